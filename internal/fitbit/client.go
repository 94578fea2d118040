package fitbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/httpkit"
)

// defaultAPIBaseURL is the Fitbit Web API host.
const defaultAPIBaseURL = "https://api.fitbit.com"

// TokenProvider abstracts the token source for testability. The real
// implementation is *TokenSource.
type TokenProvider interface {
	// Token returns a currently valid bearer token.
	Token(ctx context.Context) (string, error)
	// ForceRefresh exchanges past the given stale token and returns
	// the replacement.
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Client is the sensor gateway over the Fitbit daily summary
// endpoints. Every fetch degrades to zero on any transport failure,
// non-200 response, or malformed payload: a stale prior reading is
// preferred to erroring the whole conversation turn, so callers treat
// non-positive values as "no new data, keep previous".
type Client struct {
	tokens     TokenProvider
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	bus        *events.Bus
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API host. For tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithNow overrides the time source used for "today". For tests.
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a sensor gateway client.
func NewClient(tokens TokenProvider, bus *events.Bus, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		tokens:     tokens,
		baseURL:    defaultAPIBaseURL,
		logger:     logger.With("component", "fitbit"),
		bus:        bus,
		now:        time.Now,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CaloriesOutToday returns today's calories burned, or 0 when the
// metric is unavailable for any reason.
func (c *Client) CaloriesOutToday(ctx context.Context) int {
	date := c.now().Format("2006-01-02")
	path := fmt.Sprintf("/1/user/-/activities/date/%s.json", date)

	var payload struct {
		Summary struct {
			CaloriesOut int `json:"caloriesOut"`
		} `json:"summary"`
	}
	if !c.getJSON(ctx, path, &payload) {
		c.publishRead("calories_out", 0, false)
		return 0
	}

	c.logger.Debug("calories burned fetched", "date", date, "calories_out", payload.Summary.CaloriesOut)
	c.publishRead("calories_out", payload.Summary.CaloriesOut, true)
	return payload.Summary.CaloriesOut
}

// SleepMinutesToday returns today's total minutes asleep, or 0 when
// the metric is unavailable for any reason.
func (c *Client) SleepMinutesToday(ctx context.Context) int {
	date := c.now().Format("2006-01-02")
	// Sleep lives on API v1.2.
	path := fmt.Sprintf("/1.2/user/-/sleep/date/%s.json", date)

	var payload struct {
		Summary struct {
			TotalMinutesAsleep int `json:"totalMinutesAsleep"`
		} `json:"summary"`
	}
	if !c.getJSON(ctx, path, &payload) {
		c.publishRead("sleep_minutes", 0, false)
		return 0
	}

	c.logger.Debug("sleep fetched", "date", date, "minutes_asleep", payload.Summary.TotalMinutesAsleep)
	c.publishRead("sleep_minutes", payload.Summary.TotalMinutesAsleep, true)
	return payload.Summary.TotalMinutesAsleep
}

// getJSON performs an authenticated GET and decodes the response into
// out. Returns false on any failure. An unexpected 401 despite a
// passed validity check triggers exactly one forced refresh-and-retry,
// guarding against clock skew or server-side early invalidation
// without risking a retry loop.
func (c *Client) getJSON(ctx context.Context, path string, out any) bool {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("no fitbit token for request", "path", path, "error", err)
		return false
	}

	status, ok := c.doGet(ctx, path, token, out)
	if ok {
		return true
	}

	if status == http.StatusUnauthorized {
		c.logger.Warn("unexpected 401 from fitbit, forcing one refresh", "path", path)
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			if errors.Is(err, ErrRefreshFailed) {
				c.logger.Error("forced refresh failed", "error", err)
			}
			return false
		}
		_, ok = c.doGet(ctx, path, token, out)
		return ok
	}

	return false
}

// doGet performs one GET attempt. Returns the HTTP status (0 on
// transport error) and whether the payload decoded successfully.
func (c *Client) doGet(ctx context.Context, path, token string, out any) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		c.logger.Error("create fitbit request", "path", path, "error", err)
		return 0, false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("fitbit request failed", "path", path, "error", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Warn("fitbit API error",
			"path", path,
			"status", resp.StatusCode,
			"body", body,
		)
		return resp.StatusCode, false
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("malformed fitbit payload", "path", path, "error", err)
		return resp.StatusCode, false
	}

	return resp.StatusCode, true
}

func (c *Client) publishRead(metric string, value int, ok bool) {
	c.bus.Publish(events.Event{
		Source: events.SourceFitbit,
		Kind:   events.KindSensorRead,
		Data:   map[string]any{"metric": metric, "value": value, "ok": ok},
	})
}

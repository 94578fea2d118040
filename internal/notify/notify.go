// Package notify delivers the agent's replies to the user. The
// production channel is WhatsApp via Twilio; a log-only notifier
// stands in when Twilio is not configured so the rest of the system
// never cares whether delivery is real.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nosh-agent/nosh/internal/config"
	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/httpkit"
)

// maxBodyLen is the WhatsApp message ceiling Twilio enforces. Longer
// replies are truncated with an ellipsis rather than rejected.
const maxBodyLen = 1500

const defaultTwilioBaseURL = "https://api.twilio.com"

// Notifier sends one outbound message to the user.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// LogNotifier writes outbound messages to the log instead of sending
// them. Used when Twilio is disabled and in tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(_ context.Context, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message (delivery disabled)", "length", len(text), "text", text)
	return nil
}

// TwilioNotifier sends WhatsApp messages through the Twilio REST API.
type TwilioNotifier struct {
	cfg        config.TwilioConfig
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	bus        *events.Bus
}

// Option configures a TwilioNotifier.
type Option func(*TwilioNotifier)

// WithBaseURL overrides the Twilio API endpoint. For tests.
func WithBaseURL(u string) Option {
	return func(n *TwilioNotifier) { n.baseURL = strings.TrimRight(u, "/") }
}

// NewTwilio creates a Twilio-backed notifier.
func NewTwilio(cfg config.TwilioConfig, bus *events.Bus, logger *slog.Logger, opts ...Option) *TwilioNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &TwilioNotifier{
		cfg:     cfg,
		baseURL: defaultTwilioBaseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "notify"),
		bus:    bus,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Send delivers one WhatsApp message. Bodies over the Twilio limit are
// truncated, not split: a coaching reply that long is a prompt problem,
// and a clipped message still reaches the user.
func (n *TwilioNotifier) Send(ctx context.Context, text string) error {
	body := Truncate(text, maxBodyLen)

	form := url.Values{}
	form.Set("From", n.cfg.From)
	form.Set("To", n.cfg.To)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", n.baseURL, n.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(n.cfg.AccountSID, n.cfg.AuthToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	n.logger.Info("whatsapp message sent",
		"to", n.cfg.To,
		"length", len(body),
		"truncated", len(body) < len(text),
	)
	n.bus.Publish(events.Event{
		Source: events.SourceNotify,
		Kind:   events.KindNotifySent,
		Data: map[string]any{
			"to":     n.cfg.To,
			"length": len(body),
		},
	})
	return nil
}

// Truncate clips s to at most limit bytes, appending an ellipsis when
// anything was cut. It backs up to a rune boundary so a multi-byte
// character is never split.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

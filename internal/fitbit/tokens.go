// Package fitbit wraps the Fitbit Web API: OAuth2 token lifecycle
// management and the daily activity/sleep sensor gateway.
package fitbit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nosh-agent/nosh/internal/httpkit"
)

// Sentinel errors for the token lifecycle.
var (
	// ErrNoTokens means no token pair has ever been bootstrapped.
	// Callers treat this as "no sensor data this turn".
	ErrNoTokens = errors.New("fitbit: no token pair loaded")

	// ErrRefreshFailed means the refresh exchange was rejected.
	ErrRefreshFailed = errors.New("fitbit: token refresh failed")
)

// refreshSkew is how long before expiry a token is refreshed. Guards
// against clock drift between us and the API.
const refreshSkew = 5 * time.Minute

// defaultTokenURL is the Fitbit OAuth2 token endpoint.
const defaultTokenURL = "https://api.fitbit.com/oauth2/token"

// TokenPair is the OAuth2 access/refresh pair with its absolute expiry.
// Mutated in place and rewritten to storage on every refresh; never
// deleted by this package (re-issuance is a manual bootstrap flow).
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists the single token pair in SQLite. The row is
// overwritten wholesale on every save.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a token store using the given database.
func NewTokenStore(db *sql.DB) (*TokenStore, error) {
	s := &TokenStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *TokenStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fitbit_tokens (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at    TEXT NOT NULL
		)
	`)
	return err
}

// Load returns the stored token pair, or (nil, nil) if none has been
// bootstrapped yet.
func (s *TokenStore) Load() (*TokenPair, error) {
	var pair TokenPair
	var expiresStr string

	err := s.db.QueryRow(`
		SELECT access_token, refresh_token, expires_at FROM fitbit_tokens WHERE id = 1
	`).Scan(&pair.AccessToken, &pair.RefreshToken, &expiresStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	pair.ExpiresAt, err = time.Parse(time.RFC3339, expiresStr)
	if err != nil {
		return nil, fmt.Errorf("parse token expiry %q: %w", expiresStr, err)
	}
	return &pair, nil
}

// Save overwrites the stored token pair.
func (s *TokenStore) Save(pair *TokenPair) error {
	_, err := s.db.Exec(`
		INSERT INTO fitbit_tokens (id, access_token, refresh_token, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at
	`, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// TokenSource hands out valid bearer tokens, refreshing transparently
// when the pair is near expiry. The check-and-refresh critical section
// is mutex-guarded so racing callers observe the freshly refreshed
// token instead of performing redundant exchanges.
type TokenSource struct {
	clientID     string
	clientSecret string
	tokenURL     string
	store        *TokenStore
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	pair *TokenPair
}

// TokenSourceOption configures a TokenSource.
type TokenSourceOption func(*TokenSource)

// WithTokenURL overrides the token endpoint. For tests.
func WithTokenURL(u string) TokenSourceOption {
	return func(ts *TokenSource) { ts.tokenURL = u }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) TokenSourceOption {
	return func(ts *TokenSource) { ts.now = now }
}

// NewTokenSource creates a token source, loading any previously
// persisted pair from the store. A missing pair is not an error here;
// [TokenSource.Token] reports ErrNoTokens when asked.
func NewTokenSource(clientID, clientSecret string, store *TokenStore, logger *slog.Logger, opts ...TokenSourceOption) (*TokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ts := &TokenSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		store:        store,
		logger:       logger.With("component", "fitbit_tokens"),
		now:          time.Now,
		httpClient:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
	for _, o := range opts {
		o(ts)
	}

	pair, err := store.Load()
	if err != nil {
		return nil, err
	}
	ts.pair = pair

	if pair == nil {
		ts.logger.Warn("no fitbit token pair on record; sensor data unavailable until bootstrap")
	} else {
		ts.logger.Info("fitbit token pair loaded", "expires_at", pair.ExpiresAt)
	}

	return ts, nil
}

// Token returns a valid bearer token, refreshing first when the pair
// expires within the skew window. Returns ErrNoTokens if no pair has
// ever been bootstrapped, or an error wrapping ErrRefreshFailed when
// the exchange is rejected.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.pair == nil {
		return "", ErrNoTokens
	}

	if ts.now().After(ts.pair.ExpiresAt.Add(-refreshSkew)) {
		ts.logger.Info("fitbit token near expiry, refreshing")
		if err := ts.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	return ts.pair.AccessToken, nil
}

// ForceRefresh exchanges the refresh token regardless of expiry. stale
// is the access token the caller just had rejected; if another caller
// already refreshed past it, the current token is returned without a
// redundant exchange. Used for the single bounded retry after an
// unexpected 401.
func (ts *TokenSource) ForceRefresh(ctx context.Context, stale string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.pair == nil {
		return "", ErrNoTokens
	}

	if ts.pair.AccessToken != stale {
		// Someone else refreshed while we were waiting on the lock.
		return ts.pair.AccessToken, nil
	}

	ts.logger.Warn("forcing fitbit token refresh after rejected request")
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.pair.AccessToken, nil
}

// refreshLocked performs the refresh grant exchange. Caller holds ts.mu.
func (ts *TokenSource) refreshLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.pair.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ts.clientID, ts.clientSecret)

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		ts.logger.Error("fitbit refresh rejected", "status", resp.StatusCode, "body", body)
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return fmt.Errorf("%w: decode grant: %v", ErrRefreshFailed, err)
	}
	if grant.AccessToken == "" {
		return fmt.Errorf("%w: grant carried no access token", ErrRefreshFailed)
	}

	// Fitbit returns a relative expiry only; compute the absolute one.
	expiresIn := grant.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 28800 // provider default: 8 hours
	}

	ts.pair = &TokenPair{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    ts.now().Add(time.Duration(expiresIn) * time.Second),
	}

	// A failed persist must not discard a valid in-memory pair; the
	// next refresh will try the write again.
	if err := ts.store.Save(ts.pair); err != nil {
		ts.logger.Error("persisting refreshed tokens failed", "error", err)
	} else {
		ts.logger.Info("fitbit tokens refreshed", "expires_at", ts.pair.ExpiresAt)
	}

	return nil
}

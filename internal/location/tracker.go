// Package location tracks the user's last reported position so the
// agent can fold place context into its replies. Updates arrive over
// MQTT from a phone presence app; the tracker keeps only the most
// recent fix and lets it expire when the feed goes quiet.
package location

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// currentKey is the single cache key holding the latest fix.
	currentKey = "current"

	// DefaultTTL is how long a fix stays usable without a newer one.
	// A phone that stops reporting should not pin the agent to a
	// stale place for the rest of the day.
	DefaultTTL = 2 * time.Hour
)

// Fix is one reported position.
type Fix struct {
	Place     string    // resolved place name, may be empty
	Latitude  float64
	Longitude float64
	At        time.Time
}

// Tracker holds the last known fix with expiry.
type Tracker struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// NewTracker creates a tracker whose fixes expire after ttl. A
// non-positive ttl uses [DefaultTTL].
func NewTracker(ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cache:  cache.New(ttl, 10*time.Minute),
		logger: logger.With("component", "location"),
	}
}

// Update records a new fix, replacing any previous one.
func (t *Tracker) Update(f Fix) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	t.cache.SetDefault(currentKey, f)
	t.logger.Debug("location updated",
		"place", f.Place,
		"lat", f.Latitude,
		"lon", f.Longitude,
	)
}

// Current returns the last known fix, or ok=false when none has been
// reported or the last one has expired. Callers treat the false case
// as "location unknown", never as an error.
func (t *Tracker) Current() (Fix, bool) {
	if t == nil {
		return Fix{}, false
	}
	v, found := t.cache.Get(currentKey)
	if !found {
		return Fix{}, false
	}
	return v.(Fix), true
}

// Describe renders the current fix as a short human-readable string
// for prompt context, or "unknown" when there is no usable fix.
func (t *Tracker) Describe() string {
	f, ok := t.Current()
	if !ok {
		return "unknown"
	}
	if f.Place != "" {
		return f.Place
	}
	return "near " + formatCoord(f.Latitude) + "," + formatCoord(f.Longitude)
}

// Package profile persists the user's coaching strategy: targets,
// macros and the plan start date. Like the food log it is a
// single-record store, but the record survives across days; it is
// replaced on a new strategy and removed on an explicit reset.
package profile

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// StatusActive is the only status currently assigned. The field exists
// so a future pause or completion state does not need a migration.
const StatusActive = "ACTIVE"

// Macros is the daily macronutrient split in grams.
type Macros struct {
	Protein int `json:"protein"`
	Carbs   int `json:"carbs"`
	Fat     int `json:"fat"`
}

// Profile is the active coaching strategy.
type Profile struct {
	CurrentWeight float64 `json:"current_weight"` // kg
	TargetWeight  float64 `json:"target_weight"`  // kg
	DailyTarget   int     `json:"daily_target"`   // kcal
	Macros        Macros  `json:"macros"`
	StrategyNote  string  `json:"strategy_note"`
	StartDate     string  `json:"start_date"` // YYYY-MM-DD, stamped on first save
	Status        string  `json:"status"`
}

// CurrentDay returns the 1-based day number of the plan as of now.
// The start date itself is day 1. A missing, unparseable or future
// start date yields 1: the counter never reads zero or negative.
func (p *Profile) CurrentDay(now time.Time) int {
	start, err := time.ParseInLocation("2006-01-02", p.StartDate, now.Location())
	if err != nil {
		return 1
	}
	// Count calendar days, not wall-clock hours: normalizing both
	// dates to UTC midnights keeps the counter right across DST
	// transitions, where a local day is 23 or 25 hours long.
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day := int(today.Sub(startDay).Hours()/24) + 1
	if day < 1 {
		return 1
	}
	return day
}

// Store is the profile persistence adapter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp start dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a profile store using the given database.
func NewStore(db *sql.DB, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "profile"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profile (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			profile TEXT NOT NULL
		)
	`)
	return err
}

// Load returns the stored profile, or (nil, nil) when none exists.
// Absence is the signal that the user is still onboarding, so it is
// not an error.
func (s *Store) Load() (*Profile, error) {
	var raw string
	err := s.db.QueryRow(`SELECT profile FROM profile WHERE id = 1`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// Save stores the profile, overwriting any previous strategy. The
// start date is stamped exactly once: a re-save (strategy adjustment
// mid-plan) keeps the original day counter running. Status defaults
// to ACTIVE when unset.
func (s *Store) Save(p *Profile) error {
	if p.DailyTarget <= 0 {
		return fmt.Errorf("daily target must be positive, got %d", p.DailyTarget)
	}

	if p.StartDate == "" {
		existing, err := s.Load()
		if err != nil {
			return err
		}
		if existing != nil && existing.StartDate != "" {
			p.StartDate = existing.StartDate
		} else {
			p.StartDate = s.now().Format("2006-01-02")
		}
	}
	if p.Status == "" {
		p.Status = StatusActive
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO profile (id, profile) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET profile = excluded.profile
	`, string(raw))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	s.logger.Info("profile saved",
		"daily_target", p.DailyTarget,
		"start_date", p.StartDate,
	)
	return nil
}

// Delete removes the stored profile. The next Load returns (nil, nil)
// and the conversation drops back to onboarding.
func (s *Store) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM profile WHERE id = 1`); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	s.logger.Info("profile deleted")
	return nil
}

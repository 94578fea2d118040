// Package foodlog persists the current day's food intake. It is a
// single-record store: one row holding today's entries, discarded and
// replaced automatically when the date rolls over. Multi-day history
// is intentionally not retained.
package foodlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entry is one logged meal.
type Entry struct {
	Time     string `json:"time"` // HH:MM
	Food     string `json:"food"`
	Calories int    `json:"calories"`
}

// DayLog is the full food record for one calendar date. TotalCalories
// is maintained as the sum of all entry calories.
type DayLog struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	Entries       []Entry `json:"entries"`
	TotalCalories int     `json:"total_calories"`
}

// Store is the food log persistence adapter. The record is overwritten
// wholesale on every save; reads lazily create an empty record for the
// current date. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for dates and entry
// timestamps. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a food log store using the given database.
func NewStore(db *sql.DB, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "foodlog"),
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
		CREATE TABLE IF NOT EXISTS food_log (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			date    TEXT NOT NULL,
			entries TEXT NOT NULL,
			total   INTEGER NOT NULL
		)
	`)
	return err
}

// Today returns the current day's log, creating an empty one if the
// store is empty or holds a stale date (automatic daily rollover).
func (s *Store) Today() (*DayLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.todayLocked()
}

// Add appends a meal to today's log, stamped with the current HH:MM,
// and returns the new running total.
func (s *Store) Add(food string, calories int) (int, error) {
	if food == "" {
		return 0, fmt.Errorf("food name is required")
	}
	if calories < 0 {
		return 0, fmt.Errorf("calories must not be negative, got %d", calories)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.todayLocked()
	if err != nil {
		return 0, err
	}

	log.Entries = append(log.Entries, Entry{
		Time:     s.now().Format("15:04"),
		Food:     food,
		Calories: calories,
	})
	log.TotalCalories += calories

	if err := s.saveLocked(log); err != nil {
		return 0, err
	}

	s.logger.Info("food logged",
		"food", food,
		"calories", calories,
		"total_today", log.TotalCalories,
	)

	return log.TotalCalories, nil
}

// TotalToday returns the total calories eaten today. This is the
// authoritative number for the eaten counter: callers must never cache
// it across turns.
func (s *Store) TotalToday() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.todayLocked()
	if err != nil {
		return 0, err
	}
	return log.TotalCalories, nil
}

// Reset discards the current record entirely. The next access lazily
// creates a fresh one.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM food_log WHERE id = 1`); err != nil {
		return fmt.Errorf("reset food log: %w", err)
	}
	return nil
}

// todayLocked reads the stored record, replacing it with an empty one
// for the current date when absent, stale, or corrupt. A corrupt
// record is treated as missing rather than surfaced: the log must
// never block a conversation turn.
func (s *Store) todayLocked() (*DayLog, error) {
	today := s.now().Format("2006-01-02")

	var date, entriesJSON string
	var total int
	err := s.db.QueryRow(`SELECT date, entries, total FROM food_log WHERE id = 1`).
		Scan(&date, &entriesJSON, &total)

	switch {
	case err == sql.ErrNoRows:
		return &DayLog{Date: today, Entries: []Entry{}}, nil
	case err != nil:
		return nil, fmt.Errorf("load food log: %w", err)
	}

	if date != today {
		s.logger.Info("food log rolled over", "stale_date", date, "date", today)
		fresh := &DayLog{Date: today, Entries: []Entry{}}
		if err := s.saveLocked(fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(entriesJSON), &entries); err != nil {
		s.logger.Warn("corrupt food log entries, starting fresh", "error", err)
		return &DayLog{Date: today, Entries: []Entry{}}, nil
	}

	return &DayLog{Date: date, Entries: entries, TotalCalories: total}, nil
}

// saveLocked overwrites the stored record.
func (s *Store) saveLocked(log *DayLog) error {
	entriesJSON, err := json.Marshal(log.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO food_log (id, date, entries, total)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			date = excluded.date,
			entries = excluded.entries,
			total = excluded.total
	`, log.Date, string(entriesJSON), log.TotalCalories)
	if err != nil {
		return fmt.Errorf("save food log: %w", err)
	}
	return nil
}

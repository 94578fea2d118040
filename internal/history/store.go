// Package history checkpoints conversation state per thread: the
// append-only message transcript and the latest vitals snapshot. A
// thread that has never spoken loads as a fresh zero state, so callers
// never special-case first contact.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nosh-agent/nosh/internal/llm"
)

// Vitals is the monitored state snapshot carried between turns. Eaten
// is recomputed from the food log every turn; burned and sleep hold
// the last good sensor reading so a failed poll degrades to the
// previous value instead of zeroing the day. ActiveMinutes is carried
// over as-is; no sensor refreshes it yet.
type Vitals struct {
	CaloriesBurned int     `json:"calories_burned"`
	SleepHours     float64 `json:"sleep_hours"`
	ActiveMinutes  int     `json:"active_minutes"`
	CaloriesEaten  int     `json:"calories_eaten"`
	Location       string  `json:"location,omitempty"`
}

// State is everything checkpointed for one thread.
type State struct {
	Messages []llm.Message
	Vitals   Vitals
}

// Store persists per-thread conversation state in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a history store using the given database.
func NewStore(db *sql.DB, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "history"),
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
		CREATE TABLE IF NOT EXISTS history_messages (
			thread     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			parts      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread, seq)
		);
		CREATE TABLE IF NOT EXISTS history_vitals (
			thread     TEXT PRIMARY KEY,
			vitals     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Load returns the full checkpoint for a thread. An unknown thread
// yields an empty transcript and zero vitals, never an error.
func (s *Store) Load(thread string) (*State, error) {
	msgs, err := s.readMessages(thread, 0)
	if err != nil {
		return nil, err
	}
	vitals, err := s.Vitals(thread)
	if err != nil {
		return nil, err
	}
	return &State{Messages: msgs, Vitals: vitals}, nil
}

// Recent returns the trailing n messages of a thread in conversation
// order. n <= 0 returns the whole transcript.
func (s *Store) Recent(thread string, n int) ([]llm.Message, error) {
	return s.readMessages(thread, n)
}

// Append adds messages to the end of a thread's transcript. The
// sequence is assigned inside a transaction so concurrent appenders
// on different threads cannot interleave numbering within one thread.
func (s *Store) Append(thread string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history_messages WHERE thread = ?`, thread,
	).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	createdAt := s.now().UTC().Format(time.RFC3339)
	for i, m := range msgs {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("marshal message parts: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO history_messages (thread, seq, role, parts, created_at) VALUES (?, ?, ?, ?, ?)`,
			thread, next+i, m.Role, string(parts), createdAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Vitals returns the latest vitals for a thread, zero-valued when the
// thread has none yet.
func (s *Store) Vitals(thread string) (Vitals, error) {
	var raw string
	err := s.db.QueryRow(`SELECT vitals FROM history_vitals WHERE thread = ?`, thread).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return Vitals{}, nil
	case err != nil:
		return Vitals{}, fmt.Errorf("load vitals: %w", err)
	}

	var v Vitals
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.Warn("corrupt vitals snapshot, starting fresh", "thread", thread, "error", err)
		return Vitals{}, nil
	}
	return v, nil
}

// SaveVitals overwrites the vitals snapshot for a thread.
func (s *Store) SaveVitals(thread string, v Vitals) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vitals: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO history_vitals (thread, vitals, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (thread) DO UPDATE SET
			vitals = excluded.vitals,
			updated_at = excluded.updated_at
	`, thread, string(raw), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save vitals: %w", err)
	}
	return nil
}

// MessageCount returns the transcript length for a thread.
func (s *Store) MessageCount(thread string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM history_messages WHERE thread = ?`, thread,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) readMessages(thread string, limit int) ([]llm.Message, error) {
	query := `SELECT role, parts FROM history_messages WHERE thread = ? ORDER BY seq`
	args := []any{thread}
	if limit > 0 {
		// Take the trailing window, then restore conversation order.
		query = `SELECT role, parts FROM (
			SELECT seq, role, parts FROM history_messages
			WHERE thread = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, partsJSON string
		if err := rows.Scan(&role, &partsJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var parts []llm.Part
		if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
			s.logger.Warn("corrupt message parts, skipping", "thread", thread, "error", err)
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Parts: parts})
	}
	return msgs, rows.Err()
}

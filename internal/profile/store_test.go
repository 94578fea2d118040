package profile

import (
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func fixedClock(date string) func() time.Time {
	ts, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return ts }
}

func testProfile() *Profile {
	return &Profile{
		CurrentWeight: 82.5,
		TargetWeight:  75,
		DailyTarget:   1800,
		Macros:        Macros{Protein: 140, Carbs: 160, Fat: 60},
		StrategyNote:  "moderate deficit, high protein",
	}
}

func TestLoad_Empty(t *testing.T) {
	s, err := NewStore(testDB(t), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil profile from empty store, got %+v", p)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	s, err := NewStore(testDB(t), slog.Default(), WithClock(fixedClock("2026-03-14")))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.Save(testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p == nil {
		t.Fatal("Load returned nil after Save")
	}
	if p.DailyTarget != 1800 {
		t.Errorf("daily target = %d, want 1800", p.DailyTarget)
	}
	if p.Macros.Protein != 140 {
		t.Errorf("protein = %d, want 140", p.Macros.Protein)
	}
	if p.StartDate != "2026-03-14" {
		t.Errorf("start date = %q, want 2026-03-14", p.StartDate)
	}
	if p.Status != StatusActive {
		t.Errorf("status = %q, want %q", p.Status, StatusActive)
	}
}

func TestSave_KeepsOriginalStartDate(t *testing.T) {
	s, err := NewStore(testDB(t), slog.Default(), WithClock(fixedClock("2026-03-14")))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Save(testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Strategy adjustment ten days in: the day counter keeps running.
	s.now = fixedClock("2026-03-24")
	adjusted := testProfile()
	adjusted.DailyTarget = 1650
	if err := s.Save(adjusted); err != nil {
		t.Fatalf("Save adjusted: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.StartDate != "2026-03-14" {
		t.Errorf("start date = %q, want original 2026-03-14", p.StartDate)
	}
	if p.DailyTarget != 1650 {
		t.Errorf("daily target = %d, want 1650", p.DailyTarget)
	}
}

func TestSave_RejectsNonPositiveTarget(t *testing.T) {
	s, err := NewStore(testDB(t), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	p := testProfile()
	p.DailyTarget = 0
	if err := s.Save(p); err == nil {
		t.Error("expected error for zero daily target")
	}
}

func TestDelete(t *testing.T) {
	s, err := NewStore(testDB(t), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Save(testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p != nil {
		t.Errorf("profile survived delete: %+v", p)
	}

	// Delete on an empty store is not an error.
	if err := s.Delete(); err != nil {
		t.Errorf("Delete on empty store: %v", err)
	}
}

func TestCurrentDay(t *testing.T) {
	at := func(s string) time.Time {
		ts, err := time.Parse("2006-01-02 15:04", s)
		if err != nil {
			panic(err)
		}
		return ts
	}

	tests := []struct {
		name  string
		start string
		now   time.Time
		want  int
	}{
		{"start day is day one", "2026-03-14", at("2026-03-14 09:00"), 1},
		{"late on start day still day one", "2026-03-14", at("2026-03-14 23:59"), 1},
		{"next morning is day two", "2026-03-14", at("2026-03-15 00:01"), 2},
		{"eleventh day", "2026-03-14", at("2026-03-24 12:00"), 11},
		{"future start clamps to one", "2026-04-01", at("2026-03-14 12:00"), 1},
		{"missing start date", "", at("2026-03-14 12:00"), 1},
		{"garbage start date", "soon", at("2026-03-14 12:00"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{StartDate: tt.start}
			if got := p.CurrentDay(tt.now); got != tt.want {
				t.Errorf("CurrentDay = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCurrentDay_AcrossSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// US clocks spring forward on 2026-03-08, making that local day
	// 23 hours long. The counter must still advance one per calendar
	// day.
	p := &Profile{StartDate: "2026-03-07"}
	now := time.Date(2026, time.March, 9, 12, 0, 0, 0, loc)
	if got := p.CurrentDay(now); got != 3 {
		t.Errorf("CurrentDay = %d, want 3", got)
	}
}

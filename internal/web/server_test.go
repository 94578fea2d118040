package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nosh-agent/nosh/internal/agent"
	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/foodlog"
	"github.com/nosh-agent/nosh/internal/profile"
)

type recordingRunner struct {
	turns chan agent.Turn
}

func (r *recordingRunner) Handle(_ context.Context, turn agent.Turn) (string, error) {
	r.turns <- turn
	return "ok", nil
}

type countingTrigger struct {
	ticks chan struct{}
}

func (c *countingTrigger) Tick() { c.ticks <- struct{}{} }

func testServer(t *testing.T) (*Server, *recordingRunner, *countingTrigger, *events.Bus) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	fl, err := foodlog.NewStore(db, logger)
	if err != nil {
		t.Fatalf("foodlog: %v", err)
	}
	ps, err := profile.NewStore(db, logger)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}

	runner := &recordingRunner{turns: make(chan agent.Turn, 1)}
	trigger := &countingTrigger{ticks: make(chan struct{}, 1)}
	bus := events.New()

	s := New(Options{
		Addr:     "127.0.0.1:0",
		Runner:   runner,
		Trigger:  trigger,
		Bus:      bus,
		FoodLog:  fl,
		Profiles: ps,
		Logger:   logger,
	})
	return s, runner, trigger, bus
}

func TestHealth(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestWebhook_RunsTurn(t *testing.T) {
	s, runner, _, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	form := url.Values{}
	form.Set("From", "whatsapp:+919999999999")
	form.Set("Body", "I ate an apple")
	form.Set("MediaUrl0", "https://media.example.net/apple.jpg")

	resp, err := http.PostForm(srv.URL+"/webhook", form)
	if err != nil {
		t.Fatalf("POST /webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	respBody, _ := io.ReadAll(resp.Body)
	if string(respBody) != "OK" {
		t.Errorf("body = %q", respBody)
	}

	select {
	case turn := <-runner.turns:
		if turn.Thread != "whatsapp:+919999999999" {
			t.Errorf("thread = %q", turn.Thread)
		}
		if turn.Text != "I ate an apple" {
			t.Errorf("text = %q", turn.Text)
		}
		if turn.ImageURL != "https://media.example.net/apple.jpg" {
			t.Errorf("image = %q", turn.ImageURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never ran")
	}
}

func TestWebhook_RejectsEmpty(t *testing.T) {
	s, runner, _, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// Missing sender.
	resp, err := http.PostForm(srv.URL+"/webhook", url.Values{"Body": {"hi"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no From: status = %d, want 400", resp.StatusCode)
	}

	// No text and no image.
	resp, err = http.PostForm(srv.URL+"/webhook", url.Values{"From": {"whatsapp:+91"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message: status = %d, want 400", resp.StatusCode)
	}

	select {
	case turn := <-runner.turns:
		t.Errorf("rejected request still ran a turn: %+v", turn)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrigger(t *testing.T) {
	s, _, trigger, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/trigger", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /trigger: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case <-trigger.ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}
}

func TestDashboard(t *testing.T) {
	s, _, _, _ := testServer(t)

	if err := s.profiles.Save(&profile.Profile{
		CurrentWeight: 80, TargetWeight: 75, DailyTarget: 1800,
		Macros: profile.Macros{Protein: 140, Carbs: 160, Fat: 60},
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if _, err := s.foodLog.Add("oatmeal", 300); err != nil {
		t.Fatalf("seed food: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET /dashboard: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	html := string(body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(html, "1800") {
		t.Errorf("dashboard missing daily target:\n%s", html)
	}
	if !strings.Contains(html, "oatmeal") {
		t.Errorf("dashboard missing food entry:\n%s", html)
	}
	// Markdown was actually rendered, not echoed.
	if strings.Contains(html, "## ") {
		t.Error("raw markdown leaked into the page")
	}
}

func TestWS_StreamsEvents(t *testing.T) {
	s, _, _, bus := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"thread": "t"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindTurnComplete {
		t.Errorf("kind = %q, want %q", ev.Kind, events.KindTurnComplete)
	}
}

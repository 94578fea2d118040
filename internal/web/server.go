// Package web is the HTTP front door: the Twilio webhook that feeds
// inbound WhatsApp messages into the pipeline, a manual heartbeat
// trigger, a health probe, and a small live dashboard.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nosh-agent/nosh/internal/agent"
	"github.com/nosh-agent/nosh/internal/buildinfo"
	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/foodlog"
	"github.com/nosh-agent/nosh/internal/profile"
)

// turnTimeout bounds a webhook-initiated pipeline run. The webhook
// itself returns immediately; this guards the detached run.
const turnTimeout = 2 * time.Minute

// TurnRunner runs one conversation turn. Satisfied by *agent.Pipeline.
type TurnRunner interface {
	Handle(ctx context.Context, turn agent.Turn) (string, error)
}

// Trigger fires one heartbeat turn. Satisfied by *heartbeat.Runner.
type Trigger interface {
	Tick()
}

// Server is the HTTP server.
type Server struct {
	addr     string
	runner   TurnRunner
	trigger  Trigger
	bus      *events.Bus
	foodLog  *foodlog.Store
	profiles *profile.Store
	logger   *slog.Logger
	server   *http.Server
}

// Options carries the Server's collaborators. Trigger, Bus and the
// stores are optional; their endpoints degrade gracefully when nil.
type Options struct {
	Addr     string
	Runner   TurnRunner
	Trigger  Trigger
	Bus      *events.Bus
	FoodLog  *foodlog.Store
	Profiles *profile.Store
	Logger   *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     opts.Addr,
		runner:   opts.Runner,
		trigger:  opts.Trigger,
		bus:      opts.Bus,
		foodLog:  opts.FoodLog,
		profiles: opts.Profiles,
		logger:   logger.With("component", "web"),
	}
}

// Handler returns the route mux. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /trigger", s.handleTrigger)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
	}, s.logger)
}

// handleWebhook accepts a Twilio inbound-message callback. Twilio
// expects a fast 200; the pipeline run is detached and the reply goes
// back out through the notifier, not this response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	turn := agent.Turn{
		Thread:   r.PostFormValue("From"),
		Text:     r.PostFormValue("Body"),
		ImageURL: r.PostFormValue("MediaUrl0"),
	}
	if turn.Thread == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	if turn.Text == "" && turn.ImageURL == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	s.bus.Publish(events.Event{
		Source: events.SourceWebhook,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"thread": turn.Thread, "has_image": turn.ImageURL != ""},
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
		defer cancel()
		if _, err := s.runner.Handle(ctx, turn); err != nil {
			s.logger.Error("webhook turn failed", "thread", turn.Thread, "error", err)
		}
	}()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		http.Error(w, "heartbeat disabled", http.StatusServiceUnavailable)
		return
	}
	go s.trigger.Tick()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("triggered"))
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

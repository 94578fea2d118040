// Package heartbeat fires periodic synthetic turns so the agent checks
// in proactively instead of only answering. Each tick runs the full
// pipeline on a dedicated thread with no user text; the pipeline's
// synthetic status-check message takes it from there.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nosh-agent/nosh/internal/agent"
	"github.com/nosh-agent/nosh/internal/config"
	"github.com/nosh-agent/nosh/internal/events"
)

// tickTimeout bounds one heartbeat turn. A wedged model call must not
// stack ticks behind the thread lock.
const tickTimeout = 2 * time.Minute

// Runner schedules heartbeat turns.
type Runner struct {
	cfg      config.HeartbeatConfig
	pipeline *agent.Pipeline
	bus      *events.Bus
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a Runner. Call [Runner.Start] to begin ticking.
func New(cfg config.HeartbeatConfig, pipeline *agent.Pipeline, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		pipeline: pipeline,
		bus:      bus,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Start registers the cron schedule and begins firing. Returns an
// error only when the schedule expression does not parse.
func (r *Runner) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Cron, r.Tick); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("heartbeat started", "schedule", r.cfg.Cron, "thread", r.cfg.Thread)
	return nil
}

// Stop halts the schedule and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("heartbeat stopped")
}

// Tick runs one synthetic turn immediately. Exported so the manual
// trigger endpoint can reuse it.
func (r *Runner) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	r.bus.Publish(events.Event{
		Source: events.SourceHeartbeat,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"thread": r.cfg.Thread},
	})

	if _, err := r.pipeline.Handle(ctx, agent.Turn{Thread: r.cfg.Thread}); err != nil {
		r.logger.Error("heartbeat turn failed", "error", err)
	}
}

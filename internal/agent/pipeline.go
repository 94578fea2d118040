package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/foodlog"
	"github.com/nosh-agent/nosh/internal/history"
	"github.com/nosh-agent/nosh/internal/llm"
	"github.com/nosh-agent/nosh/internal/notify"
	"github.com/nosh-agent/nosh/internal/profile"
)

// syntheticStatusCheck stands in for the user message on turns that
// arrive without one, such as the heartbeat trigger.
const syntheticStatusCheck = "Check system status."

// Pipeline is the conversation engine. One Handle call runs the three
// stages for one inbound turn and delivers exactly one outbound reply.
type Pipeline struct {
	chat      llm.Client
	chatModel string
	vision    FoodClassifier
	sensors   SensorSource
	location  LocationSource

	foodLog  *foodlog.Store
	profiles *profile.Store
	history  *history.Store

	notifier      notify.Notifier
	bus           *events.Bus
	logger        *slog.Logger
	now           func() time.Time
	historyWindow int

	locks *threadLocks
}

// Options carries the collaborators a Pipeline needs. All fields are
// required except Location and Bus, which may be nil.
type Options struct {
	Chat          llm.Client
	ChatModel     string
	Vision        FoodClassifier
	Sensors       SensorSource
	Location      LocationSource
	FoodLog       *foodlog.Store
	Profiles      *profile.Store
	History       *history.Store
	Notifier      notify.Notifier
	Bus           *events.Bus
	Logger        *slog.Logger
	HistoryWindow int
	Now           func() time.Time
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.HistoryWindow
	if window <= 0 {
		window = 5
	}
	return &Pipeline{
		chat:          opts.Chat,
		chatModel:     opts.ChatModel,
		vision:        opts.Vision,
		sensors:       opts.Sensors,
		location:      opts.Location,
		foodLog:       opts.FoodLog,
		profiles:      opts.Profiles,
		history:       opts.History,
		notifier:      opts.Notifier,
		bus:           opts.Bus,
		logger:        logger.With("component", "agent"),
		now:           now,
		historyWindow: window,
		locks:         newThreadLocks(),
	}
}

// Handle runs one full turn and returns the outbound reply text. Runs
// for the same thread are serialized; runs for different threads
// proceed in parallel. Handle itself only fails on storage errors that
// make the turn impossible; everything softer degrades into the reply.
func (p *Pipeline) Handle(ctx context.Context, turn Turn) (string, error) {
	unlock := p.locks.lock(turn.Thread)
	defer unlock()

	turnID := uuid.NewString()
	logger := p.logger.With("turn_id", turnID, "thread", turn.Thread)
	logger.Debug("turn started", "has_image", turn.ImageURL != "")

	started := p.now()
	p.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"thread": turn.Thread, "turn_id": turnID},
	})

	vitals, err := p.monitor(ctx, turn.Thread)
	if err != nil {
		return "", err
	}

	reply, userMsg, err := p.reason(ctx, turn, vitals)
	if err != nil {
		return "", err
	}

	outbound, newEaten := p.act(reply)
	if newEaten >= 0 {
		vitals.CaloriesEaten = newEaten
	}

	if err := p.history.Append(turn.Thread, userMsg, llm.TextMessage(llm.RoleAssistant, reply)); err != nil {
		return "", fmt.Errorf("checkpoint history: %w", err)
	}
	if err := p.history.SaveVitals(turn.Thread, vitals); err != nil {
		return "", fmt.Errorf("checkpoint vitals: %w", err)
	}

	// Fire-and-forget: a delivery failure is logged, never surfaced
	// into the turn.
	if err := p.notifier.Send(ctx, outbound); err != nil {
		p.logger.Warn("outbound delivery failed", "thread", turn.Thread, "error", err)
	}

	p.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"thread":      turn.Thread,
			"turn_id":     turnID,
			"duration_ms": p.now().Sub(started).Milliseconds(),
		},
	})
	logger.Debug("turn complete", "duration", p.now().Sub(started))
	return outbound, nil
}

// monitor refreshes the vitals snapshot. Sensors that return
// non-positive values keep the previous turn's reading; eaten calories
// are always recomputed from the food log.
func (p *Pipeline) monitor(ctx context.Context, thread string) (history.Vitals, error) {
	vitals, err := p.history.Vitals(thread)
	if err != nil {
		return history.Vitals{}, fmt.Errorf("load vitals: %w", err)
	}

	if burned := p.sensors.CaloriesOutToday(ctx); burned > 0 {
		vitals.CaloriesBurned = burned
	}
	if sleepMin := p.sensors.SleepMinutesToday(ctx); sleepMin > 0 {
		vitals.SleepHours = math.Round(float64(sleepMin)/60*10) / 10
	}

	eaten, err := p.foodLog.TotalToday()
	if err != nil {
		return history.Vitals{}, fmt.Errorf("total eaten: %w", err)
	}
	vitals.CaloriesEaten = eaten

	if p.location != nil {
		vitals.Location = p.location.Describe()
	}

	return vitals, nil
}

// reason builds the system instruction for the current mode and asks
// the model for a reply. It returns the raw reply and the user message
// as it should be checkpointed.
func (p *Pipeline) reason(ctx context.Context, turn Turn, vitals history.Vitals) (string, llm.Message, error) {
	prof, err := p.profiles.Load()
	if err != nil {
		return "", llm.Message{}, fmt.Errorf("load profile: %w", err)
	}

	system := onboardingPrompt()
	temperature := onboardingTemperature
	if prof != nil {
		system = coachingPrompt(prof, prof.CurrentDay(p.now()), vitals)
		temperature = coachingTemperature
	}

	userMsg := p.buildUserMessage(ctx, turn)

	recent, err := p.history.Recent(turn.Thread, p.historyWindow)
	if err != nil {
		return "", llm.Message{}, fmt.Errorf("load history: %w", err)
	}
	messages := append(recent, userMsg)

	p.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindLLMCall,
		Data:   map[string]any{"model": p.chatModel, "messages": len(messages)},
	})

	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Model:       p.chatModel,
		System:      system,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		// The assistant always answers. A dead model becomes an
		// apology, not a dropped turn.
		p.logger.Error("chat completion failed", "thread", turn.Thread, "error", err)
		return "Sorry, I'm having trouble thinking right now. Give me a minute and try again.", userMsg, nil
	}

	p.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindLLMResponse,
		Data: map[string]any{
			"model":         resp.Model,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	})
	return resp.Text, userMsg, nil
}

// buildUserMessage assembles the checkpointed user message for a turn:
// the text (or the synthetic status check when there is none), the
// image part if any, and the vision classification folded in as extra
// context.
func (p *Pipeline) buildUserMessage(ctx context.Context, turn Turn) llm.Message {
	text := turn.Text
	if text == "" && turn.ImageURL == "" {
		text = syntheticStatusCheck
	}

	msg := llm.Message{Role: llm.RoleUser}
	if text != "" {
		msg.Parts = append(msg.Parts, llm.Part{Text: text})
	}
	if turn.ImageURL != "" {
		msg.Parts = append(msg.Parts, llm.Part{ImageURL: turn.ImageURL})
		if est, err := p.vision.Classify(ctx, turn.ImageURL); err != nil {
			p.logger.Warn("vision classification failed", "error", err)
		} else {
			msg.Parts = append(msg.Parts, llm.Part{
				Text: fmt.Sprintf("[photo analysis: %s, roughly %d kcal]", est.Food, est.Calories),
			})
		}
	}
	return msg
}

// act dispatches the command embedded in the reply, if any, and
// returns the outbound text plus the new eaten total (-1 when the food
// log was not touched). Parse failures apply no side effect and
// replace the model's text with a locally authored reply.
func (p *Pipeline) act(reply string) (string, int) {
	cmd, err := ParseCommand(reply)
	if err != nil {
		p.logger.Warn("unparseable command in reply", "error", err)
		return parseErrorReply, -1
	}

	switch c := cmd.(type) {
	case PlainReply:
		return c.Text, -1

	case SaveStrategy:
		if err := p.profiles.Save(&c.Profile); err != nil {
			p.logger.Error("save strategy failed", "error", err)
			return parseErrorReply, -1
		}
		p.publishCommand(MarkerSaveStrategy, map[string]any{"daily_target": c.Profile.DailyTarget})
		return fmt.Sprintf(
			"Your plan is locked in: %d kcal/day (%dg protein, %dg carbs, %dg fat), starting today. %s",
			c.Profile.DailyTarget, c.Profile.Macros.Protein, c.Profile.Macros.Carbs, c.Profile.Macros.Fat,
			c.Profile.StrategyNote,
		), -1

	case SaveFood:
		newTotal, err := p.foodLog.Add(c.Food, c.Calories)
		if err != nil {
			p.logger.Error("save food failed", "food", c.Food, "error", err)
			return parseErrorReply, -1
		}
		p.publishCommand(MarkerSaveFood, map[string]any{"food": c.Food, "calories": c.Calories})
		return fmt.Sprintf("Logged %s (%d kcal). You're at %d kcal today.",
			c.Food, c.Calories, newTotal), newTotal

	case ResetProfile:
		if err := p.profiles.Delete(); err != nil {
			p.logger.Error("reset profile failed", "error", err)
			return parseErrorReply, -1
		}
		p.publishCommand(MarkerResetProfile, nil)
		return "Done, your plan has been reset. Tell me your height, weight, goal, and timeline whenever you're ready to start fresh.", -1
	}

	// Unreachable while ParseCommand covers every Command type.
	return reply, -1
}

func (p *Pipeline) publishCommand(marker string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["command"] = marker
	p.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindCommandApplied,
		Data:   data,
	})
}

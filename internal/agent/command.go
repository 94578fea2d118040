package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nosh-agent/nosh/internal/profile"
)

// Marker strings the model embeds in a reply to request a side effect.
// Scanned in priority order: a reply mentioning more than one marker is
// interpreted as the highest-priority match only.
const (
	MarkerSaveStrategy = "SAVE_STRATEGY"
	MarkerSaveFood     = "SAVE_FOOD"
	MarkerResetProfile = "RESET_PROFILE"
)

// Command is the parsed intent of an assistant reply. Exactly one of
// the concrete types below; the dispatcher switches exhaustively.
type Command interface {
	isCommand()
}

// PlainReply carries a reply with no embedded command.
type PlainReply struct {
	Text string
}

// SaveStrategy commits a new coaching profile.
type SaveStrategy struct {
	Profile profile.Profile
}

// SaveFood logs one meal.
type SaveFood struct {
	Food     string `json:"food"`
	Calories int    `json:"calories"`
}

// ResetProfile deletes the stored profile.
type ResetProfile struct{}

func (PlainReply) isCommand()   {}
func (SaveStrategy) isCommand() {}
func (SaveFood) isCommand()     {}
func (ResetProfile) isCommand() {}

// ParseCommand interprets an assistant reply. A reply with no marker is
// a PlainReply. A marker whose JSON payload is missing or malformed is
// an error: the caller must not apply any side effect and must answer
// with a locally authored message instead of the model's text.
func ParseCommand(reply string) (Command, error) {
	switch {
	case strings.Contains(reply, MarkerSaveStrategy):
		var p profile.Profile
		if err := extractPayload(reply, MarkerSaveStrategy, &p); err != nil {
			return nil, err
		}
		if p.DailyTarget <= 0 {
			return nil, fmt.Errorf("%s payload missing daily_target", MarkerSaveStrategy)
		}
		return SaveStrategy{Profile: p}, nil

	case strings.Contains(reply, MarkerSaveFood):
		var f SaveFood
		if err := extractPayload(reply, MarkerSaveFood, &f); err != nil {
			return nil, err
		}
		if f.Food == "" {
			return nil, fmt.Errorf("%s payload missing food name", MarkerSaveFood)
		}
		return f, nil

	case strings.Contains(reply, MarkerResetProfile):
		return ResetProfile{}, nil
	}

	return PlainReply{Text: reply}, nil
}

// extractPayload finds the first greedy {...} span in the reply and
// decodes it into out. When the object's only content is a top-level
// key matching the marker name, the nested value is unwrapped first,
// tolerating models that emit {"SAVE_FOOD": {...}} instead of the bare
// payload.
func extractPayload(reply, marker string, out any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("%s marker present but no JSON object found", marker)
	}
	raw := []byte(reply[start : end+1])

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("parse %s payload: %w", marker, err)
	}
	if nested, ok := wrapper[marker]; ok {
		raw = nested
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s payload: %w", marker, err)
	}
	return nil
}

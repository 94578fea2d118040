package agent

import (
	"testing"
)

func TestParseCommand_PlainReply(t *testing.T) {
	reply := "You're doing great, 900 kcal left for today."
	cmd, err := ParseCommand(reply)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	pr, ok := cmd.(PlainReply)
	if !ok {
		t.Fatalf("got %T, want PlainReply", cmd)
	}
	if pr.Text != reply {
		t.Errorf("text = %q", pr.Text)
	}
}

func TestParseCommand_SaveFood(t *testing.T) {
	reply := `Nice, logging that now.
SAVE_FOOD {"food": "Paneer Wrap", "calories": 400}`

	cmd, err := ParseCommand(reply)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	sf, ok := cmd.(SaveFood)
	if !ok {
		t.Fatalf("got %T, want SaveFood", cmd)
	}
	if sf.Food != "Paneer Wrap" || sf.Calories != 400 {
		t.Errorf("parsed %+v", sf)
	}
}

func TestParseCommand_SaveFoodWrapped(t *testing.T) {
	reply := `{"SAVE_FOOD": {"food": "Idli", "calories": 120}}`
	cmd, err := ParseCommand(reply)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	sf, ok := cmd.(SaveFood)
	if !ok {
		t.Fatalf("got %T, want SaveFood", cmd)
	}
	if sf.Food != "Idli" || sf.Calories != 120 {
		t.Errorf("parsed %+v", sf)
	}
}

func TestParseCommand_SaveStrategy(t *testing.T) {
	reply := `Here's your plan!
SAVE_STRATEGY {"current_weight": 82.5, "target_weight": 75, "daily_target": 1800, "macros": {"protein": 140, "carbs": 160, "fat": 60}, "strategy_note": "moderate deficit"}`

	cmd, err := ParseCommand(reply)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	ss, ok := cmd.(SaveStrategy)
	if !ok {
		t.Fatalf("got %T, want SaveStrategy", cmd)
	}
	if ss.Profile.DailyTarget != 1800 {
		t.Errorf("daily target = %d", ss.Profile.DailyTarget)
	}
	if ss.Profile.Macros.Fat != 60 {
		t.Errorf("fat = %d", ss.Profile.Macros.Fat)
	}
}

func TestParseCommand_ResetProfile(t *testing.T) {
	cmd, err := ParseCommand("Okay, wiping the slate. RESET_PROFILE")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if _, ok := cmd.(ResetProfile); !ok {
		t.Fatalf("got %T, want ResetProfile", cmd)
	}
}

func TestParseCommand_Priority(t *testing.T) {
	// A reply mentioning both strategy and food markers resolves to the
	// strategy command.
	reply := `SAVE_STRATEGY beats SAVE_FOOD here.
{"current_weight": 80, "target_weight": 75, "daily_target": 2000, "macros": {"protein": 120, "carbs": 200, "fat": 65}, "strategy_note": "x"}`

	cmd, err := ParseCommand(reply)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if _, ok := cmd.(SaveStrategy); !ok {
		t.Fatalf("got %T, want SaveStrategy", cmd)
	}
}

func TestParseCommand_MarkerWithoutJSON(t *testing.T) {
	if _, err := ParseCommand("I will SAVE_FOOD that for you later, promise."); err == nil {
		t.Error("expected error for marker with no JSON object")
	}
}

func TestParseCommand_MarkerWithBadJSON(t *testing.T) {
	if _, err := ParseCommand(`SAVE_FOOD {"food": "Wrap", "calories":`); err == nil {
		t.Error("expected error for truncated JSON")
	}
	if _, err := ParseCommand(`SAVE_FOOD {not json}`); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseCommand_SaveFoodMissingName(t *testing.T) {
	if _, err := ParseCommand(`SAVE_FOOD {"calories": 400}`); err == nil {
		t.Error("expected error for payload without food name")
	}
}

func TestParseCommand_StrategyMissingTarget(t *testing.T) {
	if _, err := ParseCommand(`SAVE_STRATEGY {"strategy_note": "no numbers"}`); err == nil {
		t.Error("expected error for payload without daily_target")
	}
}

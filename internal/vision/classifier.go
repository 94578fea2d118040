// Package vision classifies food photos into a name and calorie
// estimate using a vision-capable completion model.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nosh-agent/nosh/internal/llm"
)

// classifyPrompt instructs the model to identify the dish and return
// strict JSON. The cuisine hints counter the common failure mode of
// labelling any flatbread-and-stew plate as oatmeal.
const classifyPrompt = `You are an expert nutritionist with deep knowledge of Indian and global cuisines.

Look at this food image carefully.
1. IDENTIFY the specific dishes accurately.
   - If you see flatbread, check whether it is chapathi, roti, naan, or paratha.
   - If you see white grain with a yellow or brown stew, check whether it is rice with dal, sambhar, or curry.
   - Do NOT guess "oatmeal" unless you clearly see oat texture.
2. ESTIMATE the total calories roughly.
3. OUTPUT strictly a JSON object: {"food": "Exact Name", "calories": 123}

Do not add markdown formatting.`

// Estimate is the classifier's verdict on a food image.
type Estimate struct {
	Food     string `json:"food"`
	Calories int    `json:"calories"`
}

// Classifier identifies food in images via a zero-temperature vision
// model call with a strict JSON output contract.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// New creates a food image classifier.
func New(client llm.Client, model string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client: client,
		model:  model,
		logger: logger.With("component", "vision"),
	}
}

// Classify analyzes a food image reference and returns the estimated
// dish and calories. The model contract is a bare JSON object; markdown
// fences are stripped defensively before parsing, and an {"error": ...}
// payload from the model surfaces as an error.
func (c *Classifier) Classify(ctx context.Context, imageURL string) (*Estimate, error) {
	c.logger.Debug("classifying food image", "model", c.model)

	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Parts: []llm.Part{
				{Text: classifyPrompt},
				{ImageURL: imageURL},
			}},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("vision call: %w", err)
	}

	raw := stripFences(resp.Text)

	var verdict struct {
		Food     string `json:"food"`
		Calories int    `json:"calories"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("parse classification %q: %w", truncate(raw, 120), err)
	}
	if verdict.Error != "" {
		return nil, fmt.Errorf("classification failed: %s", verdict.Error)
	}
	if verdict.Food == "" {
		return nil, fmt.Errorf("classification returned no food name")
	}

	c.logger.Info("food image classified",
		"food", verdict.Food,
		"calories", verdict.Calories,
	)

	return &Estimate{Food: verdict.Food, Calories: verdict.Calories}, nil
}

// stripFences removes a surrounding markdown code fence, with or
// without a language tag. Models add these despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag on the opening fence line.
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.Contains(s[:i], "{") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Package agent runs the conversation pipeline: monitor vitals, reason
// with the model, act on any command embedded in the reply. Every
// inbound message, whether from the user or the heartbeat, flows
// through the same three stages in order.
package agent

import (
	"context"

	"github.com/nosh-agent/nosh/internal/vision"
)

// Turn is one inbound message entering the pipeline. Thread scopes the
// conversation state; two turns on the same thread never run
// concurrently.
type Turn struct {
	Thread   string
	Text     string
	ImageURL string
}

// SensorSource reads today's activity numbers. Non-positive values
// mean "no new data": the pipeline keeps the previous reading rather
// than zeroing the day.
type SensorSource interface {
	CaloriesOutToday(ctx context.Context) int
	SleepMinutesToday(ctx context.Context) int
}

// FoodClassifier identifies a meal from a photo.
type FoodClassifier interface {
	Classify(ctx context.Context, imageURL string) (*vision.Estimate, error)
}

// LocationSource describes the user's last known place.
type LocationSource interface {
	Describe() string
}

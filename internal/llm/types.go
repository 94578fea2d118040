// Package llm provides completion service client implementations.
package llm

// Message roles. Providers map these to their own wire vocabulary at
// the client boundary.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part is one segment of a message: either text or an image reference.
// Exactly one field is set.
type Part struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a role-tagged chat message with multi-part content.
// Messages are owned by the conversation history and never mutated
// after append.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text returns the concatenated text parts of a message. Image parts
// contribute nothing.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// HasImage reports whether any part carries an image reference.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.ImageURL != "" {
			return true
		}
	}
	return false
}

// ChatRequest describes a single completion call.
type ChatRequest struct {
	Model string
	// System is the system instruction text, sent out-of-band from the
	// message history.
	System   string
	Messages []Message
	// Temperature controls sampling. Command-emission turns run low
	// (deterministic JSON), open coaching turns run higher.
	Temperature float64
}

// ChatResponse is the unified response from any completion provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model string
	Text  string

	// Token usage (provider-neutral, zero when the provider omits it)
	InputTokens  int
	OutputTokens int
}

package ai

import "context"

// Message is one entry of an ordered completion prompt. The system role
// exists only here; persisted thread messages are user/assistant only.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces a single assistant reply for an ordered message
// sequence. Implementations make exactly one attempt; retry policy, if any,
// belongs to the caller's orchestration layer.
type Completer interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

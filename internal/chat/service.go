// Package chat orchestrates a single conversation turn: resolve the target
// thread, append the user message, call the completion endpoint once, append
// the reply.
package chat

import (
	"context"
	"fmt"

	"willflow/internal/util"
	"willflow/pkg/ai"
	"willflow/pkg/domain"
)

// Request is one chat turn. SessionID resumes an existing thread; NewThread
// forces a fresh one regardless.
type Request struct {
	FlowID    string `json:"flow_id"`
	UserEmail string `json:"user_email"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	NewThread bool   `json:"new_thread,omitempty"`
}

// Response carries the reply plus the full message history as persisted.
type Response struct {
	SessionID string           `json:"session_id"`
	Response  string           `json:"response"`
	Messages  []domain.Message `json:"messages"`
}

// ThreadStore is the slice of the thread store the manager uses.
type ThreadStore interface {
	Create(ctx context.Context, flowID, userEmail, title string) (domain.Thread, bool)
	Get(ctx context.Context, id string) (domain.Thread, bool)
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Thread, bool)
}

// FlowProvider supplies the system prompt and model bound to a flow.
type FlowProvider interface {
	Get(ctx context.Context, id string) (domain.Flow, bool, error)
}

// Service is the thread lifecycle manager.
type Service struct {
	threads   ThreadStore
	flows     FlowProvider
	completer ai.Completer
}

func NewService(threads ThreadStore, flows FlowProvider, completer ai.Completer) *Service {
	return &Service{threads: threads, flows: flows, completer: completer}
}

// ProcessChat runs one turn: ResolveThread -> LoadFlow -> AppendUser ->
// CallModel -> AppendAssistant. Any step's failure aborts the turn; an
// already-appended user message is never rolled back, so the user's input
// survives a failed completion call.
func (s *Service) ProcessChat(ctx context.Context, req Request) (Response, error) {
	log := util.LoggerFromContext(ctx)

	// Resolve the target thread. A stale or unreadable session id falls
	// through to creating a fresh thread; only a failed creation is fatal.
	var th domain.Thread
	var ok bool
	if !req.NewThread && req.SessionID != "" {
		th, ok = s.threads.Get(ctx, req.SessionID)
		if !ok {
			log.Warn("session not resolvable, starting new thread",
				"session_id", req.SessionID, "flow_id", req.FlowID)
		}
	}
	if !ok {
		th, ok = s.threads.Create(ctx, req.FlowID, req.UserEmail, "")
		if !ok {
			return Response{}, fmt.Errorf("resolve thread: %w", ErrFlowNotFound)
		}
	}

	fl, found, err := s.flows.Get(ctx, req.FlowID)
	if err != nil {
		return Response{}, fmt.Errorf("load flow %s: %w", req.FlowID, err)
	}
	if !found {
		return Response{}, fmt.Errorf("load flow %s: %w", req.FlowID, ErrFlowNotFound)
	}

	th, ok = s.threads.AppendMessage(ctx, th.ID, domain.Message{
		Role:    "user",
		Content: req.Message,
	})
	if !ok {
		return Response{}, fmt.Errorf("append user message: %w", ErrThreadNotFound)
	}

	// The system prompt lives only in the ephemeral completion request; it
	// is never persisted into the thread.
	prompt := make([]ai.Message, 0, len(th.Messages)+1)
	prompt = append(prompt, ai.Message{Role: "system", Content: fl.SystemPrompt})
	for _, m := range th.Messages {
		prompt = append(prompt, ai.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := s.completer.Complete(ctx, fl.Model, prompt)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	th, ok = s.threads.AppendMessage(ctx, th.ID, domain.Message{
		Role:    "assistant",
		Content: reply,
	})
	if !ok {
		return Response{}, fmt.Errorf("append assistant message: %w", ErrThreadNotFound)
	}

	return Response{
		SessionID: th.ID,
		Response:  reply,
		Messages:  th.Messages,
	}, nil
}

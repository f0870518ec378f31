// Package thread owns the conversation-thread entity: creation, atomic
// message append with one-shot auto-titling, listing, and deletion.
//
// Failure policy at this layer follows the upstream boundary: a document-store
// failure is logged and surfaced as absent/false/empty, never as an error
// value. Callers distinguish "not found" from "store down" only by telemetry.
package thread

import (
	"context"
	"errors"
	"strings"
	"time"

	"willflow/internal/util"
	"willflow/pkg/docstore"
	"willflow/pkg/domain"
)

const collection = "chat_history"

// titleLimit is the rune budget of an auto-derived thread title.
const titleLimit = 30

// FlowProvider is the slice of the flow service the store needs: existence
// checks when binding a new thread to a flow.
type FlowProvider interface {
	Get(ctx context.Context, id string) (domain.Flow, bool, error)
}

// Store persists threads in the document store.
type Store struct {
	store docstore.Store
	flows FlowProvider
}

func NewStore(store docstore.Store, flows FlowProvider) *Store {
	return &Store{store: store, flows: flows}
}

// Create starts an empty thread bound to flowID. It returns false when the
// flow does not exist or the store write fails.
func (s *Store) Create(ctx context.Context, flowID, userEmail, title string) (domain.Thread, bool) {
	log := util.LoggerFromContext(ctx)
	if _, ok, err := s.flows.Get(ctx, flowID); err != nil || !ok {
		if err != nil {
			log.Error("flow lookup failed", "flow_id", flowID, "error", err)
		}
		return domain.Thread{}, false
	}
	now := time.Now().UTC()
	if strings.TrimSpace(title) == "" {
		title = domain.DefaultThreadTitle
	}
	t := domain.Thread{
		FlowID:    flowID,
		UserEmail: userEmail,
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc, err := docstore.FromStruct(t)
	if err != nil {
		log.Error("encode thread failed", "error", err)
		return domain.Thread{}, false
	}
	id, err := s.store.Insert(ctx, collection, doc)
	if err != nil {
		log.Error("create thread failed", "flow_id", flowID, "error", err)
		return domain.Thread{}, false
	}
	t.ID = id
	return t, true
}

// Get fetches a thread; false means no such thread (or the store failed).
func (s *Store) Get(ctx context.Context, id string) (domain.Thread, bool) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			util.LoggerFromContext(ctx).Error("get thread failed", "thread_id", id, "error", err)
		}
		return domain.Thread{}, false
	}
	var t domain.Thread
	if err := docstore.ToStruct(doc, &t); err != nil {
		util.LoggerFromContext(ctx).Error("decode thread failed", "thread_id", id, "error", err)
		return domain.Thread{}, false
	}
	t.ID = id
	return t, true
}

// AppendMessage appends msg via the store's atomic array append, so two
// concurrent appends to the same thread both survive. When the append stores
// the thread's first message and the title is still the default sentinel, a
// title is derived from the message content; that second write is best-effort
// and never fails the append. Returns the thread as observed after the append.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Thread, bool) {
	log := util.LoggerFromContext(ctx)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := s.store.AtomicAppend(ctx, collection, threadID, "messages", msg); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			log.Error("append message failed", "thread_id", threadID, "error", err)
		}
		return domain.Thread{}, false
	}
	bump := docstore.Doc{"updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if err := s.store.PartialUpdate(ctx, collection, threadID, bump); err != nil {
		log.Warn("bump updated_at failed", "thread_id", threadID, "error", err)
	}

	t, ok := s.Get(ctx, threadID)
	if !ok {
		return domain.Thread{}, false
	}
	if len(t.Messages) == 1 && t.Title == domain.DefaultThreadTitle {
		title := deriveTitle(msg.Content)
		patch := docstore.Doc{
			"title":      title,
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := s.store.PartialUpdate(ctx, collection, threadID, patch); err != nil {
			log.Warn("auto-title failed", "thread_id", threadID, "error", err)
		} else {
			t.Title = title
		}
	}
	return t, true
}

// UpdateTitle sets the thread title.
func (s *Store) UpdateTitle(ctx context.Context, threadID, title string) (domain.Thread, bool) {
	patch := docstore.Doc{
		"title":      title,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.PartialUpdate(ctx, collection, threadID, patch); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			util.LoggerFromContext(ctx).Error("update title failed", "thread_id", threadID, "error", err)
		}
		return domain.Thread{}, false
	}
	return s.Get(ctx, threadID)
}

// List returns thread summaries for a user, most recently active first,
// optionally narrowed to one flow. Message counts come from the stored
// sequence length.
func (s *Store) List(ctx context.Context, userEmail, flowID string) []domain.ThreadSummary {
	filter := map[string]string{"user_email": userEmail}
	if flowID != "" {
		filter["flow_id"] = flowID
	}
	hits, err := s.store.Search(ctx, collection, docstore.Query{
		Filter:    filter,
		SortField: "updated_at",
		SortDesc:  true,
		Limit:     100,
	})
	if err != nil {
		util.LoggerFromContext(ctx).Error("list threads failed", "user_email", userEmail, "error", err)
		return nil
	}
	summaries := make([]domain.ThreadSummary, 0, len(hits))
	for _, hit := range hits {
		var t domain.Thread
		if err := docstore.ToStruct(hit.Doc, &t); err != nil {
			util.LoggerFromContext(ctx).Error("decode thread failed", "thread_id", hit.ID, "error", err)
			continue
		}
		summaries = append(summaries, domain.ThreadSummary{
			ID:           hit.ID,
			FlowID:       t.FlowID,
			Title:        t.Title,
			MessageCount: len(t.Messages),
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	return summaries
}

// Delete removes a thread. Deleting an id that never existed is not an error,
// it just reports false.
func (s *Store) Delete(ctx context.Context, threadID string) bool {
	if err := s.store.Delete(ctx, collection, threadID); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			util.LoggerFromContext(ctx).Error("delete thread failed", "thread_id", threadID, "error", err)
		}
		return false
	}
	return true
}

// deriveTitle takes the first 30 runes of the message, appending an ellipsis
// only when truncated.
func deriveTitle(content string) string {
	text := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if text == "" {
		return domain.DefaultThreadTitle
	}
	runes := []rune(text)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	return text
}

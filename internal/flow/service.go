// Package flow manages agent configurations: the system prompt and model a
// chat thread is bound to.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"willflow/pkg/docstore"
	"willflow/pkg/domain"
)

const collection = "flows"

// Service persists flows in the document store.
type Service struct {
	store docstore.Store
}

func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

// CreateInput carries the fields of a new flow.
type CreateInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	CreatorEmail string `json:"creator_email"`
}

// UpdateInput carries optional field changes; nil means leave unchanged.
type UpdateInput struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	SystemPrompt *string `json:"system_prompt"`
	Model        *string `json:"model"`
}

// Create persists a new flow and returns it with its store-assigned id.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Flow, error) {
	now := time.Now().UTC()
	f := domain.Flow{
		Name:         in.Name,
		Description:  in.Description,
		SystemPrompt: in.SystemPrompt,
		Model:        in.Model,
		CreatorEmail: in.CreatorEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	doc, err := docstore.FromStruct(f)
	if err != nil {
		return domain.Flow{}, fmt.Errorf("encode flow: %w", err)
	}
	id, err := s.store.Insert(ctx, collection, doc)
	if err != nil {
		return domain.Flow{}, fmt.Errorf("create flow: %w", err)
	}
	f.ID = id
	return f, nil
}

// Get returns a flow by id; ok is false when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (domain.Flow, bool, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return domain.Flow{}, false, nil
		}
		return domain.Flow{}, false, fmt.Errorf("get flow: %w", err)
	}
	var f domain.Flow
	if err := docstore.ToStruct(doc, &f); err != nil {
		return domain.Flow{}, false, fmt.Errorf("decode flow: %w", err)
	}
	f.ID = id
	return f, true, nil
}

// Update merges the set fields into the stored flow.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (domain.Flow, bool, error) {
	patch := docstore.Doc{"updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if in.Name != nil {
		patch["name"] = *in.Name
	}
	if in.Description != nil {
		patch["description"] = *in.Description
	}
	if in.SystemPrompt != nil {
		patch["system_prompt"] = *in.SystemPrompt
	}
	if in.Model != nil {
		patch["model"] = *in.Model
	}
	if err := s.store.PartialUpdate(ctx, collection, id, patch); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return domain.Flow{}, false, nil
		}
		return domain.Flow{}, false, fmt.Errorf("update flow: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a flow; false means it did not exist.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.store.Delete(ctx, collection, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete flow: %w", err)
	}
	return true, nil
}

// List returns flows newest first, optionally filtered by creator.
func (s *Service) List(ctx context.Context, creatorEmail string, limit, offset int) ([]domain.Flow, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := docstore.Query{
		SortField: "created_at",
		SortDesc:  true,
		Limit:     limit,
		Offset:    offset,
	}
	if creatorEmail != "" {
		q.Filter = map[string]string{"creator_email": creatorEmail}
	}
	hits, err := s.store.Search(ctx, collection, q)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	flows := make([]domain.Flow, 0, len(hits))
	for _, hit := range hits {
		var f domain.Flow
		if err := docstore.ToStruct(hit.Doc, &f); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
		f.ID = hit.ID
		flows = append(flows, f)
	}
	return flows, nil
}

// Package user keeps the email-keyed user records. Login is an upsert: a
// returning user gets their last_login bumped, a new email gets a record.
package user

import (
	"context"
	"fmt"
	"time"

	"willflow/pkg/docstore"
	"willflow/pkg/domain"
)

const collection = "users"

type Service struct {
	store docstore.Store
}

func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

// Login registers the email on first sight and bumps last_login afterwards.
func (s *Service) Login(ctx context.Context, email string) (domain.User, error) {
	existing, ok, err := s.GetByEmail(ctx, email)
	if err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	if ok {
		patch := docstore.Doc{"last_login": now.Format(time.RFC3339Nano)}
		if err := s.store.PartialUpdate(ctx, collection, existing.ID, patch); err != nil {
			return domain.User{}, fmt.Errorf("update last login: %w", err)
		}
		existing.LastLogin = &now
		return existing, nil
	}
	u := domain.User{Email: email, CreatedAt: now, LastLogin: &now}
	doc, err := docstore.FromStruct(u)
	if err != nil {
		return domain.User{}, fmt.Errorf("encode user: %w", err)
	}
	id, err := s.store.Insert(ctx, collection, doc)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return u, nil
}

// GetByEmail looks up a user by email.
func (s *Service) GetByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	hits, err := s.store.Search(ctx, collection, docstore.Query{
		Filter: map[string]string{"email": email},
		Limit:  1,
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("find user: %w", err)
	}
	if len(hits) == 0 {
		return domain.User{}, false, nil
	}
	var u domain.User
	if err := docstore.ToStruct(hits[0].Doc, &u); err != nil {
		return domain.User{}, false, fmt.Errorf("decode user: %w", err)
	}
	u.ID = hits[0].ID
	return u, true, nil
}

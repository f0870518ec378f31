package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in-process. It mirrors the Postgres semantics
// (including dotted-path patches and append-only array semantics) so service
// tests run without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]map[string]Doc // collection -> id -> doc
	orders map[string][]string       // collection -> insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]Doc),
		orders: make(map[string][]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, collection string, doc Doc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Doc)
	}
	id := uuid.NewString()
	m.docs[collection][id] = cloneDoc(doc)
	m.orders[collection] = append(m.orders[collection], id)
	return id, nil
}

func (m *MemoryStore) InsertWithID(_ context.Context, collection, id string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Doc)
	}
	m.docs[collection][id] = cloneDoc(doc)
	m.orders[collection] = append(m.orders[collection], id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *MemoryStore) PartialUpdate(_ context.Context, collection, id string, patch Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := setPath(doc, strings.Split(k, "."), cloneValue(patch[k])); err != nil {
			return fmt.Errorf("patch %s/%s %s: %w", collection, id, k, err)
		}
	}
	return nil
}

func (m *MemoryStore) AtomicAppend(_ context.Context, collection, id, field string, elem any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	arr, _ := doc[field].([]any)
	doc[field] = append(arr, cloneValue(elem))
	return nil
}

func (m *MemoryStore) Search(_ context.Context, collection string, q Query) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]Hit, 0)
	for _, id := range m.orders[collection] {
		doc, ok := m.docs[collection][id]
		if !ok {
			continue
		}
		if matches(doc, q.Filter) {
			hits = append(hits, Hit{ID: id, Doc: cloneDoc(doc)})
		}
	}
	if q.SortField != "" {
		field := q.SortField
		sort.SliceStable(hits, func(i, j int) bool {
			less := fieldLess(hits[i].Doc[field], hits[j].Doc[field])
			if q.SortDesc {
				return !less && !fieldEqual(hits[i].Doc[field], hits[j].Doc[field])
			}
			return less
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(hits) {
			return nil, nil
		}
		hits = hits[q.Offset:]
	}
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.docs[collection], id)
	order := m.orders[collection]
	filtered := order[:0]
	for _, item := range order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders[collection] = filtered
	return nil
}

func matches(doc Doc, filter map[string]string) bool {
	for field, want := range filter {
		got, ok := doc[field].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// fieldLess compares as timestamps when both values parse as RFC 3339,
// otherwise as strings.
func fieldLess(a, b any) bool {
	as, _ := a.(string)
	bs, _ := b.(string)
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Before(bt)
	}
	return as < bs
}

func fieldEqual(a, b any) bool {
	as, _ := a.(string)
	bs, _ := b.(string)
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Equal(bt)
	}
	return as == bs
}

// setPath walks object keys and array indices, replacing the addressed value.
func setPath(node any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	key, rest := path[0], path[1:]
	switch n := node.(type) {
	case map[string]any:
		if len(rest) == 0 {
			n[key] = value
			return nil
		}
		child, ok := n[key]
		if !ok {
			return fmt.Errorf("missing field %q", key)
		}
		return setPath(child, rest, value)
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(n) {
			return fmt.Errorf("bad index %q", key)
		}
		if len(rest) == 0 {
			n[idx] = value
			return nil
		}
		return setPath(n[idx], rest, value)
	default:
		return fmt.Errorf("cannot descend into %T", node)
	}
}

func cloneDoc(doc Doc) Doc {
	out, _ := cloneValue(doc).(map[string]any)
	if out == nil {
		out = Doc{}
	}
	return out
}

// cloneValue round-trips through JSON so stored values always use plain JSON
// types, matching what the Postgres store hands back.
func cloneValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

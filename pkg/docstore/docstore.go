// Package docstore is the document persistence boundary: schemaless JSON
// documents grouped into collections, with the small operation set the
// services are built on. Two implementations exist, Postgres-backed for
// production and in-memory for tests.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Doc is one stored document in its JSON-typed form (maps, slices, strings,
// float64 numbers). Use FromStruct/ToStruct to convert domain types.
type Doc = map[string]any

// ErrNotFound reports that the addressed document does not exist. It is a
// valid outcome, not an infrastructure failure.
var ErrNotFound = errors.New("document not found")

// Query describes a filtered, sorted search within one collection.
type Query struct {
	// Filter matches top-level fields by string equality.
	Filter map[string]string
	// SortField orders results by a top-level field; empty means store order.
	SortField string
	SortDesc  bool
	Limit     int
	Offset    int
}

// Hit pairs a store-assigned id with the stored document.
type Hit struct {
	ID  string
	Doc Doc
}

// Store is the document-store contract. The id is owned by the store, never
// embedded in the document body.
type Store interface {
	// Insert persists a new document and returns its store-assigned id.
	Insert(ctx context.Context, collection string, doc Doc) (string, error)
	// InsertWithID persists a new document under a caller-supplied id, for
	// records keyed by an externally assigned identifier.
	InsertWithID(ctx context.Context, collection, id string, doc Doc) error
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Doc, error)
	// PartialUpdate merges patch into the document. Keys may be dotted paths
	// into nested objects and arrays ("documents.2.status"); each path is set
	// in place, untouched fields are preserved.
	PartialUpdate(ctx context.Context, collection, id string, patch Doc) error
	// AtomicAppend appends elem to the named array field server-side. Two
	// concurrent appends to the same document must both survive.
	AtomicAppend(ctx context.Context, collection, id, field string, elem any) error
	// Search returns matching documents with their ids.
	Search(ctx context.Context, collection string, q Query) ([]Hit, error)
	// Delete removes the document or returns ErrNotFound.
	Delete(ctx context.Context, collection, id string) error
}

// FromStruct converts a domain value to its stored Doc form. The "id" field
// is dropped: ids live outside the document body.
func FromStruct(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "id")
	return doc, nil
}

// ToStruct decodes a stored Doc into a domain value.
func ToStruct(doc Doc, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

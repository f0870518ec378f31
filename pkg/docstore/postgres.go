package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// recordModel holds one document per row; the body is a jsonb column so
// appends and field patches can run as single server-side statements.
type recordModel struct {
	Collection string         `gorm:"primaryKey;size:64"`
	ID         string         `gorm:"primaryKey;size:64"`
	Doc        datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (recordModel) TableName() string { return "documents" }

// PostgresStore implements Store on Postgres via GORM.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens the DB and runs auto-migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Insert persists doc under a fresh uuid and returns it.
func (s *PostgresStore) Insert(ctx context.Context, collection string, doc Doc) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode doc: %w", err)
	}
	id := uuid.NewString()
	rec := recordModel{Collection: collection, ID: id, Doc: datatypes.JSON(raw)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

// InsertWithID persists a document under the given id.
func (s *PostgresStore) InsertWithID(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode doc: %w", err)
	}
	rec := recordModel{Collection: collection, ID: id, Doc: datatypes.JSON(raw)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert %s: %w", collection, err)
	}
	return nil
}

// Get fetches and decodes one document.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	var rec recordModel
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var doc Doc
	if err := json.Unmarshal(rec.Doc, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// PartialUpdate applies every patch path with nested jsonb_set calls inside a
// single UPDATE, so concurrent patches to disjoint paths cannot clobber each
// other the way a whole-document replace would.
func (s *PostgresStore) PartialUpdate(ctx context.Context, collection, id string, patch Doc) error {
	if len(patch) == 0 {
		return nil
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	expr := "doc"
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		raw, err := json.Marshal(patch[k])
		if err != nil {
			return fmt.Errorf("encode patch %s: %w", k, err)
		}
		expr = fmt.Sprintf("jsonb_set(%s, '%s', ?::jsonb, true)", expr, jsonbPath(k))
		args = append(args, string(raw))
	}
	args = append(args, collection, id)

	tx := s.db.WithContext(ctx).Exec(
		"UPDATE documents SET doc = "+expr+" WHERE collection = ? AND id = ?", args...)
	if tx.Error != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AtomicAppend concatenates elem onto the array field in one statement.
func (s *PostgresStore) AtomicAppend(ctx context.Context, collection, id, field string, elem any) error {
	raw, err := json.Marshal(elem)
	if err != nil {
		return fmt.Errorf("encode element: %w", err)
	}
	path := jsonbPath(field)
	tx := s.db.WithContext(ctx).Exec(
		fmt.Sprintf(
			"UPDATE documents SET doc = jsonb_set(doc, '%s', COALESCE(doc->'%s', '[]'::jsonb) || ?::jsonb, true) WHERE collection = ? AND id = ?",
			path, field),
		string(raw), collection, id)
	if tx.Error != nil {
		return fmt.Errorf("append %s/%s.%s: %w", collection, id, field, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Search filters on top-level fields and sorts by one field. Fields ending in
// "_at" hold RFC 3339 timestamps and are compared as timestamptz.
func (s *PostgresStore) Search(ctx context.Context, collection string, q Query) ([]Hit, error) {
	tx := s.db.WithContext(ctx).Model(&recordModel{}).Where("collection = ?", collection)
	filterKeys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)
	for _, k := range filterKeys {
		tx = tx.Where(fmt.Sprintf("doc->>'%s' = ?", fieldName(k)), q.Filter[k])
	}
	if q.SortField != "" {
		field := fieldName(q.SortField)
		col := fmt.Sprintf("doc->>'%s'", field)
		if strings.HasSuffix(field, "_at") {
			col = "(" + col + ")::timestamptz"
		}
		dir := "ASC"
		if q.SortDesc {
			dir = "DESC"
		}
		tx = tx.Order(col + " " + dir)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var recs []recordModel
	if err := tx.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(recs))
	for _, rec := range recs {
		var doc Doc
		if err := json.Unmarshal(rec.Doc, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, rec.ID, err)
		}
		hits = append(hits, Hit{ID: rec.ID, Doc: doc})
	}
	return hits, nil
}

// Delete removes the document; missing documents report ErrNotFound.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	tx := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&recordModel{})
	if tx.Error != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// jsonbPath turns "documents.2.status" into the Postgres path '{documents,2,status}'.
// Paths come from code, not request input; fieldName strips anything that
// could escape the literal anyway.
func jsonbPath(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = fieldName(p)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func fieldName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
}

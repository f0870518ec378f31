// Package kb manages knowledge bases: engine-backed datasets, document
// uploads staged through object storage, and reconciliation of document
// statuses against the ingestion engine.
package kb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"willflow/internal/ragflow"
	"willflow/internal/util"
	"willflow/pkg/ai"
	"willflow/pkg/docstore"
	"willflow/pkg/domain"
	"willflow/pkg/queue"
	"willflow/pkg/status"
	"willflow/pkg/storage"
)

const collection = "knowledge_bases"

// Engine is the slice of the ingestion engine the service uses.
type Engine interface {
	CreateDataset(ctx context.Context, name, description string) (string, error)
	DeleteDataset(ctx context.Context, datasetID string) error
	UploadDocument(ctx context.Context, datasetID, fileName, contentType string, content io.Reader) (string, error)
	DocumentStatus(ctx context.Context, datasetID, docID string) (string, error)
	Retrieve(ctx context.Context, datasetID, query string) ([]ragflow.Chunk, error)
}

// Enqueuer schedules background reconciliation for an uploaded document.
type Enqueuer interface {
	Enqueue(ctx context.Context, kbID, docID string) (queue.JobStatus, error)
}

// Service owns the knowledge_bases collection. Records are keyed by the
// engine-assigned dataset id so every engine call can address the dataset
// directly.
type Service struct {
	store     docstore.Store
	engine    Engine
	objects   storage.ObjectStore
	jobs      Enqueuer
	completer ai.Completer
	chatModel string
}

// NewService wires the knowledge-base service. objects, jobs and completer
// may be nil: without object storage uploads skip staging and downloads
// fail, without a queue status convergence is on-demand only, without a
// completer ChatWithKB is unavailable.
func NewService(store docstore.Store, engine Engine, objects storage.ObjectStore, jobs Enqueuer, completer ai.Completer, chatModel string) *Service {
	return &Service{
		store:     store,
		engine:    engine,
		objects:   objects,
		jobs:      jobs,
		completer: completer,
		chatModel: chatModel,
	}
}

// CreateInput carries the fields of a new knowledge base.
type CreateInput struct {
	Name        string
	Description string
	UserEmail   string
}

// UpdateInput merges non-nil fields into an existing knowledge base.
type UpdateInput struct {
	Name        *string
	Description *string
}

// Create registers the dataset with the engine first, then persists the
// record under the engine-assigned id. An engine failure leaves nothing
// behind.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.KnowledgeBase, error) {
	datasetID, err := s.engine.CreateDataset(ctx, in.Name, in.Description)
	if err != nil {
		return domain.KnowledgeBase{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	now := time.Now().UTC()
	kb := domain.KnowledgeBase{
		ID:          datasetID,
		Name:        in.Name,
		Description: in.Description,
		UserEmail:   in.UserEmail,
		Documents:   []domain.DocumentInfo{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	doc, err := docstore.FromStruct(kb)
	if err != nil {
		return domain.KnowledgeBase{}, fmt.Errorf("encode knowledge base: %w", err)
	}
	if err := s.store.InsertWithID(ctx, collection, datasetID, doc); err != nil {
		return domain.KnowledgeBase{}, fmt.Errorf("persist knowledge base: %w", err)
	}
	return kb, nil
}

// Get returns the knowledge base or false.
func (s *Service) Get(ctx context.Context, id string) (domain.KnowledgeBase, bool, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if err == docstore.ErrNotFound {
			return domain.KnowledgeBase{}, false, nil
		}
		return domain.KnowledgeBase{}, false, fmt.Errorf("get knowledge base: %w", err)
	}
	var kb domain.KnowledgeBase
	if err := docstore.ToStruct(doc, &kb); err != nil {
		return domain.KnowledgeBase{}, false, fmt.Errorf("decode knowledge base: %w", err)
	}
	kb.ID = id
	return kb, true, nil
}

// ListByUser returns the user's knowledge bases, newest first.
func (s *Service) ListByUser(ctx context.Context, userEmail string) ([]domain.KnowledgeBase, error) {
	hits, err := s.store.Search(ctx, collection, docstore.Query{
		Filter:    map[string]string{"user_email": userEmail},
		SortField: "created_at",
		SortDesc:  true,
		Limit:     100,
	})
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	out := make([]domain.KnowledgeBase, 0, len(hits))
	for _, h := range hits {
		var kb domain.KnowledgeBase
		if err := docstore.ToStruct(h.Doc, &kb); err != nil {
			continue
		}
		kb.ID = h.ID
		out = append(out, kb)
	}
	return out, nil
}

// Update merges name/description changes and bumps updated_at.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (domain.KnowledgeBase, error) {
	if _, found, err := s.Get(ctx, id); err != nil {
		return domain.KnowledgeBase{}, err
	} else if !found {
		return domain.KnowledgeBase{}, ErrKBNotFound
	}

	patch := docstore.Doc{"updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if in.Name != nil {
		patch["name"] = *in.Name
	}
	if in.Description != nil {
		patch["description"] = *in.Description
	}
	if err := s.store.PartialUpdate(ctx, collection, id, patch); err != nil {
		return domain.KnowledgeBase{}, fmt.Errorf("update knowledge base: %w", err)
	}
	kb, _, err := s.Get(ctx, id)
	return kb, err
}

// Delete removes the engine dataset first, then the record. A missing record
// returns false; an engine failure aborts so the record keeps pointing at the
// still-existing dataset.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if _, found, err := s.Get(ctx, id); err != nil {
		return false, err
	} else if !found {
		return false, nil
	}
	if err := s.engine.DeleteDataset(ctx, id); err != nil {
		return false, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if err := s.store.Delete(ctx, collection, id); err != nil && err != docstore.ErrNotFound {
		return false, fmt.Errorf("delete knowledge base: %w", err)
	}
	return true, nil
}

// UploadDocument forwards one file to the engine and records it on the
// knowledge base. Content is buffered once so it can be staged in object
// storage and sent to the engine. An engine-rejected upload still yields a
// document record, with status failed; a successful one starts at processing
// and is queued for background reconciliation.
func (s *Service) UploadDocument(ctx context.Context, kbID, fileName, contentType string, content io.Reader) (domain.DocumentInfo, error) {
	log := util.LoggerFromContext(ctx)

	if _, found, err := s.Get(ctx, kbID); err != nil {
		return domain.DocumentInfo{}, err
	} else if !found {
		return domain.DocumentInfo{}, ErrKBNotFound
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return domain.DocumentInfo{}, fmt.Errorf("read upload: %w", err)
	}

	info := domain.DocumentInfo{
		FileName:   fileName,
		FileType:   contentType,
		UploadTime: time.Now().UTC(),
		SizeBytes:  int64(len(data)),
	}

	docID, err := s.engine.UploadDocument(ctx, kbID, fileName, contentType, bytes.NewReader(data))
	if err != nil {
		log.Error("engine rejected upload", "kb_id", kbID, "file_name", fileName, "error", err)
		info.DocID = uuid.NewString()
		info.Status = domain.StatusFailed
	} else {
		info.DocID = docID
		info.Status = domain.StatusProcessing
	}

	if s.objects != nil {
		key := storage.DocumentKey(kbID, info.DocID, fileName)
		if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			log.Warn("staging upload failed", "kb_id", kbID, "doc_id", info.DocID, "error", err)
		}
	}

	doc, err := docstore.FromStruct(info)
	if err != nil {
		return domain.DocumentInfo{}, fmt.Errorf("encode document info: %w", err)
	}
	if err := s.store.AtomicAppend(ctx, collection, kbID, "documents", doc); err != nil {
		return domain.DocumentInfo{}, fmt.Errorf("record document: %w", err)
	}
	if err := s.store.PartialUpdate(ctx, collection, kbID, docstore.Doc{
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		log.Warn("bump updated_at failed", "kb_id", kbID, "error", err)
	}

	if s.jobs != nil && info.Status == domain.StatusProcessing {
		if _, err := s.jobs.Enqueue(ctx, kbID, info.DocID); err != nil {
			log.Warn("enqueue reconcile job failed", "kb_id", kbID, "doc_id", info.DocID, "error", err)
		}
	}
	return info, nil
}

// ReconcileStatus converges one document's stored status with the engine.
// Terminal statuses are never re-fetched or overwritten. An unreachable
// engine yields unknown without touching the record, so a later attempt can
// still converge. The persisted patch targets the single array element; the
// documents array is append-only, so the index is stable.
func (s *Service) ReconcileStatus(ctx context.Context, kbID, docID string) (domain.DocStatus, error) {
	log := util.LoggerFromContext(ctx)

	kb, found, err := s.Get(ctx, kbID)
	if err != nil {
		return domain.StatusUnknown, err
	}
	if !found {
		return domain.StatusUnknown, ErrKBNotFound
	}

	idx := -1
	for i, d := range kb.Documents {
		if d.DocID == docID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.StatusUnknown, ErrDocumentNotFound
	}

	current := kb.Documents[idx].Status
	if current.Terminal() {
		return current, nil
	}

	token, err := s.engine.DocumentStatus(ctx, kbID, docID)
	if err != nil {
		log.Warn("engine unreachable during reconcile", "kb_id", kbID, "doc_id", docID, "error", err)
		return domain.StatusUnknown, nil
	}

	next := status.Canonical(token)
	if next == domain.StatusUnknown || next == current {
		return next, nil
	}

	patch := docstore.Doc{
		"documents." + strconv.Itoa(idx) + ".status": string(next),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.PartialUpdate(ctx, collection, kbID, patch); err != nil {
		return next, fmt.Errorf("persist status: %w", err)
	}
	log.Info("document status reconciled",
		"kb_id", kbID, "doc_id", docID, "from", string(current), "to", string(next))
	return next, nil
}

// maxChatChunks bounds how many retrieved passages feed the prompt.
const maxChatChunks = 5

// Citation points an answer back at the passage it came from.
type Citation struct {
	Text         string  `json:"text"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Similarity   float64 `json:"similarity"`
}

// ChatResult is one answered knowledge-base question.
type ChatResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// ChatWithKB answers a question from the knowledge base: retrieve relevant
// passages from the engine, then synthesize an answer with one completion
// call grounded on them. No retrieved passages short-circuits to an empty
// result without spending a completion call.
func (s *Service) ChatWithKB(ctx context.Context, kbID, query string) (ChatResult, error) {
	if s.completer == nil {
		return ChatResult{}, errors.New("completion backend not configured")
	}
	if _, found, err := s.Get(ctx, kbID); err != nil {
		return ChatResult{}, err
	} else if !found {
		return ChatResult{}, ErrKBNotFound
	}

	chunks, err := s.engine.Retrieve(ctx, kbID, query)
	if err != nil {
		return ChatResult{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if len(chunks) > maxChatChunks {
		chunks = chunks[:maxChatChunks]
	}
	if len(chunks) == 0 {
		util.LoggerFromContext(ctx).Info("no passages retrieved", "kb_id", kbID)
		return ChatResult{
			Answer:    "No relevant information was found in the knowledge base for this question.",
			Citations: []Citation{},
		}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Answer the question using only the excerpts below. ")
	prompt.WriteString("If they do not contain the answer, say so.\n")
	citations := make([]Citation, 0, len(chunks))
	for i, c := range chunks {
		fmt.Fprintf(&prompt, "\nExcerpt %d:\n%s\n", i+1, strings.TrimSpace(c.Content))
		citations = append(citations, Citation{
			Text:         c.Content,
			DocumentID:   c.DocumentID,
			DocumentName: c.DocumentName,
			Similarity:   c.Similarity,
		})
	}

	answer, err := s.completer.Complete(ctx, s.chatModel, []ai.Message{
		{Role: "system", Content: prompt.String()},
		{Role: "user", Content: query},
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return ChatResult{Answer: answer, Citations: citations}, nil
}

// downloadExpiry is how long a staged-document download link stays valid.
const downloadExpiry = 15 * time.Minute

// DocumentDownloadURL presigns a download link for a staged document.
func (s *Service) DocumentDownloadURL(ctx context.Context, kbID, docID string) (string, error) {
	if s.objects == nil {
		return "", errors.New("object storage not configured")
	}
	kb, found, err := s.Get(ctx, kbID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrKBNotFound
	}
	var fileName string
	for _, d := range kb.Documents {
		if d.DocID == docID {
			fileName = d.FileName
			break
		}
	}
	if fileName == "" {
		return "", ErrDocumentNotFound
	}
	url, err := s.objects.PresignGet(ctx, storage.DocumentKey(kbID, docID, fileName), downloadExpiry)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

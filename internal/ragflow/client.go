// Package ragflow is the REST adapter for the document ingestion engine. It
// deals in the engine's raw status tokens; callers map them to canonical
// statuses themselves.
package ragflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"willflow/internal/util"
)

const defaultTimeout = 30 * time.Second

// Client talks to a RAGFlow server with bearer api-key auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// envelope is the engine's response wrapper. Every field is optional: some
// deployments nest the payload under data, some return it flat.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ingestion engine request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, "application/json", body)
}

// CreateDataset registers a dataset with the engine and returns its
// engine-assigned id.
func (c *Client) CreateDataset(ctx context.Context, name, description string) (string, error) {
	raw, code, err := c.doJSON(ctx, http.MethodPost, "/api/v1/datasets", map[string]string{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("create dataset: status %d: %s", code, truncated(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("create dataset: decode response: %w", err)
	}
	if env.Code != 0 {
		return "", fmt.Errorf("create dataset: engine code %d: %s", env.Code, env.Message)
	}

	// id lives under data in the standard envelope, at the top level
	// otherwise.
	var nested struct {
		ID string `json:"id"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &nested) == nil && nested.ID != "" {
		return nested.ID, nil
	}
	var flat struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.ID != "" {
		return flat.ID, nil
	}
	return "", fmt.Errorf("create dataset: no id in response: %s", truncated(raw))
}

// DeleteDataset removes the dataset and all its documents from the engine.
func (c *Client) DeleteDataset(ctx context.Context, datasetID string) error {
	raw, code, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/datasets", map[string][]string{
		"ids": {datasetID},
	})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("delete dataset: status %d: %s", code, truncated(raw))
	}
	return nil
}

// UploadDocument pushes one file into the dataset and returns the
// engine-assigned document id. After a successful upload it triggers parsing
// best-effort; a failed trigger is logged, not surfaced, since the engine will
// report the document as unstarted and reconciliation picks it up from there.
func (c *Client) UploadDocument(ctx context.Context, datasetID, fileName, contentType string, content io.Reader) (string, error) {
	log := util.LoggerFromContext(ctx)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart: %w", err)
	}

	path := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/documents"
	raw, code, err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("upload document: status %d: %s", code, truncated(raw))
	}

	docID := parseUploadedID(raw)
	if docID == "" {
		// Rare engine builds omit the id from the upload response; the
		// document still exists, so synthesize one rather than fail.
		docID = uuid.NewString()
		log.Warn("upload response carried no document id, synthesized one",
			"dataset_id", datasetID, "doc_id", docID)
	}

	if err := c.triggerParse(ctx, datasetID, docID); err != nil {
		log.Warn("parse trigger failed", "dataset_id", datasetID, "doc_id", docID, "error", err)
	}
	return docID, nil
}

func (c *Client) triggerParse(ctx context.Context, datasetID, docID string) error {
	path := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/chunks"
	raw, code, err := c.doJSON(ctx, http.MethodPost, path, map[string][]string{
		"document_ids": {docID},
	})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("status %d: %s", code, truncated(raw))
	}
	return nil
}

// parseUploadedID pulls the document id out of an upload response:
// data-array element, then flat id, then flat doc_id.
func parseUploadedID(raw []byte) string {
	var env struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &env) == nil && len(env.Data) > 0 && env.Data[0].ID != "" {
		return env.Data[0].ID
	}
	var flat struct {
		ID    string `json:"id"`
		DocID string `json:"doc_id"`
	}
	if json.Unmarshal(raw, &flat) == nil {
		if flat.ID != "" {
			return flat.ID
		}
		if flat.DocID != "" {
			return flat.DocID
		}
	}
	return ""
}

// Chunk is one retrieved passage with its source document.
type Chunk struct {
	Content      string  `json:"content"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_keyword"`
	Similarity   float64 `json:"similarity"`
}

// Retrieve asks the engine for passages relevant to query within one dataset.
// Thresholds follow the engine's recall-leaning defaults so sparse datasets
// still return something.
func (c *Client) Retrieve(ctx context.Context, datasetID, query string) ([]Chunk, error) {
	raw, code, err := c.doJSON(ctx, http.MethodPost, "/api/v1/retrieval", map[string]any{
		"question":                 query,
		"dataset_ids":              []string{datasetID},
		"similarity_threshold":     0.2,
		"vector_similarity_weight": 0.3,
		"top_k":                    10,
		"highlight":                true,
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("retrieval: status %d: %s", code, truncated(raw))
	}
	return parseChunks(raw), nil
}

// parseChunks decodes a retrieval envelope: data-nested chunks, then flat.
func parseChunks(raw []byte) []Chunk {
	type chunkDoc struct {
		Content      string  `json:"content"`
		DocumentID   string  `json:"document_id"`
		ID           string  `json:"id"`
		DocKeyword   string  `json:"document_keyword"`
		DocNameKwd   string  `json:"docnm_kwd"`
		Similarity   float64 `json:"similarity"`
	}
	convert := func(in []chunkDoc) []Chunk {
		out := make([]Chunk, 0, len(in))
		for _, c := range in {
			if c.Content == "" {
				continue
			}
			id := c.DocumentID
			if id == "" {
				id = c.ID
			}
			name := c.DocKeyword
			if name == "" {
				name = c.DocNameKwd
			}
			out = append(out, Chunk{
				Content:      c.Content,
				DocumentID:   id,
				DocumentName: name,
				Similarity:   c.Similarity,
			})
		}
		return out
	}

	var nested struct {
		Data struct {
			Chunks []chunkDoc `json:"chunks"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &nested) == nil && len(nested.Data.Chunks) > 0 {
		return convert(nested.Data.Chunks)
	}
	var flat struct {
		Chunks []chunkDoc `json:"chunks"`
	}
	if json.Unmarshal(raw, &flat) == nil && len(flat.Chunks) > 0 {
		return convert(flat.Chunks)
	}
	return nil
}

// DocumentStatus fetches the engine's raw status token for one document. It
// tries the document detail endpoint first and falls back to the dataset
// document listing; both strategies share one envelope parser. An error means
// the engine could not be reached at all.
func (c *Client) DocumentStatus(ctx context.Context, datasetID, docID string) (string, error) {
	log := util.LoggerFromContext(ctx)

	detail := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/documents/" + url.PathEscape(docID)
	raw, code, err := c.do(ctx, http.MethodGet, detail, "", nil)
	if err == nil && code == http.StatusOK {
		if token := parseStatusToken(raw); token != "" {
			return token, nil
		}
	}
	log.Info("document detail strategy yielded no status, falling back to dataset listing",
		"dataset_id", datasetID, "doc_id", docID)

	listing := "/api/v1/datasets/" + url.PathEscape(datasetID) + "/documents?id=" + url.QueryEscape(docID)
	raw, code, err = c.do(ctx, http.MethodGet, listing, "", nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("document status: status %d: %s", code, truncated(raw))
	}
	if token := findListedStatus(raw, docID); token != "" {
		return token, nil
	}
	return "", nil
}

// parseStatusToken decodes a single-document envelope in fixed priority:
// data-nested object, then flat object, then empty.
func parseStatusToken(raw []byte) string {
	var env struct {
		Data struct {
			Run string `json:"run"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Data.Run != "" {
		return env.Data.Run
	}
	var flat struct {
		Run string `json:"run"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Run != "" {
		return flat.Run
	}
	return ""
}

// findListedStatus scans a dataset document listing for docID. Listings come
// either as {"data":{"docs":[...]}} or {"data":[...]}.
func findListedStatus(raw []byte, docID string) string {
	type listedDoc struct {
		ID  string `json:"id"`
		Run string `json:"run"`
	}
	var wrapped struct {
		Data struct {
			Docs []listedDoc `json:"docs"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &wrapped) == nil {
		for _, d := range wrapped.Data.Docs {
			if d.ID == docID {
				return d.Run
			}
		}
	}
	var flat struct {
		Data []listedDoc `json:"data"`
	}
	if json.Unmarshal(raw, &flat) == nil {
		for _, d := range flat.Data {
			if d.ID == docID {
				return d.Run
			}
		}
	}
	return ""
}

func truncated(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

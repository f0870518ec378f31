package ragflow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateDatasetNestedEnvelope(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		io.WriteString(w, `{"code":0,"data":{"id":"ds-123","name":"notes"}}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret")
	id, err := c.CreateDataset(context.Background(), "notes", "my notes")
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if id != "ds-123" {
		t.Fatalf("unexpected id %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/api/v1/datasets" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestCreateDatasetFlatEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"ds-flat"}`)
	}))
	defer ts.Close()

	id, err := NewClient(ts.URL, "k").CreateDataset(context.Background(), "n", "")
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if id != "ds-flat" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestCreateDatasetEngineError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":102,"message":"duplicate name"}`)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL, "k").CreateDataset(context.Background(), "n", ""); err == nil {
		t.Fatalf("expected engine error code to surface")
	}
}

func TestUploadDocumentTriggersParse(t *testing.T) {
	var parseCalled bool
	var uploadedField, uploadedName string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/documents") && r.Method == http.MethodPost:
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			for field, headers := range r.MultipartForm.File {
				uploadedField = field
				uploadedName = headers[0].Filename
			}
			io.WriteString(w, `{"code":0,"data":[{"id":"doc-9"}]}`)
		case strings.HasSuffix(r.URL.Path, "/chunks"):
			parseCalled = true
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), "doc-9") {
				t.Errorf("parse trigger missing doc id: %s", body)
			}
			io.WriteString(w, `{"code":0}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k")
	id, err := c.UploadDocument(context.Background(), "ds-1", "report.pdf", "application/pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "doc-9" {
		t.Fatalf("unexpected doc id %q", id)
	}
	if uploadedField != "file" || uploadedName != "report.pdf" {
		t.Fatalf("unexpected multipart part %q/%q", uploadedField, uploadedName)
	}
	if !parseCalled {
		t.Fatalf("expected parse trigger after upload")
	}
}

func TestUploadDocumentParseFailureIsNotFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/chunks") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"code":0,"data":[{"id":"doc-1"}]}`)
	}))
	defer ts.Close()

	id, err := NewClient(ts.URL, "k").UploadDocument(context.Background(), "ds", "a.txt", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("upload must survive a failed parse trigger, got %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("unexpected doc id %q", id)
	}
}

func TestUploadDocumentRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":101,"message":"unsupported file type"}`)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL, "k").UploadDocument(context.Background(), "ds", "a.bin", "application/octet-stream", strings.NewReader("x")); err == nil {
		t.Fatalf("expected rejected upload to error")
	}
}

func TestRetrieveNestedChunks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/retrieval" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"dataset_ids":["ds-1"]`) {
			t.Errorf("missing dataset filter: %s", body)
		}
		io.WriteString(w, `{"code":0,"data":{"chunks":[
			{"content":"first passage","document_id":"doc-1","document_keyword":"a.txt","similarity":0.9},
			{"content":"","document_id":"doc-2"},
			{"content":"second passage","id":"doc-3","docnm_kwd":"b.txt","similarity":0.4}
		]}}`)
	}))
	defer ts.Close()

	chunks, err := NewClient(ts.URL, "k").Retrieve(context.Background(), "ds-1", "what is x")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected empty-content chunk dropped, got %d chunks", len(chunks))
	}
	if chunks[0].DocumentID != "doc-1" || chunks[0].DocumentName != "a.txt" {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].DocumentID != "doc-3" || chunks[1].DocumentName != "b.txt" {
		t.Fatalf("expected fallback id/name fields, got %+v", chunks[1])
	}
}

func TestRetrieveFlatChunks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"chunks":[{"content":"passage","document_id":"doc-1"}]}`)
	}))
	defer ts.Close()

	chunks, err := NewClient(ts.URL, "k").Retrieve(context.Background(), "ds", "q")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "passage" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestRetrieveErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL, "k").Retrieve(context.Background(), "ds", "q"); err == nil {
		t.Fatalf("expected non-200 retrieval to error")
	}
}

func TestDocumentStatusDetailStrategy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/datasets/ds/documents/doc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"code":0,"data":{"id":"doc","run":"RUNNING"}}`)
	}))
	defer ts.Close()

	token, err := NewClient(ts.URL, "k").DocumentStatus(context.Background(), "ds", "doc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if token != "RUNNING" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestDocumentStatusFlatEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"doc","run":"DONE"}`)
	}))
	defer ts.Close()

	token, err := NewClient(ts.URL, "k").DocumentStatus(context.Background(), "ds", "doc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if token != "DONE" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestDocumentStatusFallsBackToListing(t *testing.T) {
	var listingCalled bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/datasets/ds/documents/doc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		listingCalled = true
		if got := r.URL.Query().Get("id"); got != "doc" {
			t.Errorf("listing filter id = %q", got)
		}
		io.WriteString(w, `{"code":0,"data":{"docs":[{"id":"other","run":"DONE"},{"id":"doc","run":"FAIL"}]}}`)
	}))
	defer ts.Close()

	token, err := NewClient(ts.URL, "k").DocumentStatus(context.Background(), "ds", "doc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !listingCalled {
		t.Fatalf("expected fallback to dataset listing")
	}
	if token != "FAIL" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestDocumentStatusUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused from here on

	if _, err := NewClient(ts.URL, "k").DocumentStatus(context.Background(), "ds", "doc"); err == nil {
		t.Fatalf("expected transport failure to surface as error")
	}
}

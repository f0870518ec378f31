package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"willflow/internal/chat"
	"willflow/internal/flow"
	"willflow/internal/kb"
	"willflow/internal/ragflow"
	"willflow/internal/thread"
	"willflow/internal/user"
	"willflow/pkg/ai"
	"willflow/pkg/docstore"
	"willflow/pkg/domain"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(context.Context, string, []ai.Message) (string, error) {
	return s.reply, s.err
}

type stubEngine struct {
	nextDataset string
	nextDoc     string
	statusToken string
	chunks      []ragflow.Chunk
	retrieveErr error
}

func (s *stubEngine) CreateDataset(context.Context, string, string) (string, error) {
	return s.nextDataset, nil
}
func (s *stubEngine) DeleteDataset(context.Context, string) error { return nil }
func (s *stubEngine) UploadDocument(context.Context, string, string, string, io.Reader) (string, error) {
	return s.nextDoc, nil
}
func (s *stubEngine) DocumentStatus(context.Context, string, string) (string, error) {
	return s.statusToken, nil
}
func (s *stubEngine) Retrieve(context.Context, string, string) ([]ragflow.Chunk, error) {
	return s.chunks, s.retrieveErr
}

type stubObjects struct{}

func (stubObjects) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (stubObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://minio.local/" + key, nil
}
func (stubObjects) Delete(context.Context, string) error { return nil }

type testEnv struct {
	srv       http.Handler
	flows     *flow.Service
	completer *stubCompleter
	engine    *stubEngine
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	store := docstore.NewMemoryStore()
	flows := flow.NewService(store)
	threads := thread.NewStore(store, flows)
	completer := &stubCompleter{reply: "assistant says hi"}
	chatSvc := chat.NewService(threads, flows, completer)
	users := user.NewService(store)
	engine := &stubEngine{nextDataset: "ds-1", nextDoc: "doc-1", statusToken: "DONE"}
	kbs := kb.NewService(store, engine, stubObjects{}, nil, completer, "test-model")

	s := New(Config{
		Chat:    chatSvc,
		Threads: threads,
		Flows:   flows,
		Users:   users,
		KBs:     kbs,
	})
	return &testEnv{srv: s.Router(), flows: flows, completer: completer, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createFlow(t *testing.T) domain.Flow {
	t.Helper()
	fl, err := e.flows.Create(context.Background(), flow.CreateInput{
		Name:         "helper",
		SystemPrompt: "be nice",
		Model:        "openai/gpt-4o",
		CreatorEmail: "a@example.com",
	})
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	return fl
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatRoundTrip(t *testing.T) {
	env := newTestServer(t)
	fl := env.createFlow(t)

	rec := env.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"flow_id":    fl.ID,
		"user_email": "a@example.com",
		"message":    "Hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chat.Response](t, rec)
	if resp.SessionID == "" || resp.Response != "assistant says hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}

	// The thread is fetchable and listed afterwards.
	rec = env.do(t, http.MethodGet, "/api/v1/chat/sessions/"+resp.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status = %d", rec.Code)
	}
	th := decodeBody[domain.Thread](t, rec)
	if th.Title != "Hello" {
		t.Fatalf("expected auto-title, got %q", th.Title)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/chat/sessions?user_email=a@example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions status = %d", rec.Code)
	}
	listing := decodeBody[map[string][]domain.ThreadSummary](t, rec)
	if len(listing["sessions"]) != 1 || listing["sessions"][0].MessageCount != 2 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"flow_id": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatUnknownFlow(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"flow_id":    "nope",
		"user_email": "a@example.com",
		"message":    "Hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatUpstreamFailure(t *testing.T) {
	env := newTestServer(t)
	fl := env.createFlow(t)
	env.completer.err = errors.New("provider 503")

	rec := env.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"flow_id":    fl.ID,
		"user_email": "a@example.com",
		"message":    "Hello",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionRetitleAndDelete(t *testing.T) {
	env := newTestServer(t)
	fl := env.createFlow(t)
	resp := decodeBody[chat.Response](t, env.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"flow_id": fl.ID, "user_email": "a@example.com", "message": "Hello",
	}))

	rec := env.do(t, http.MethodPut, "/api/v1/chat/sessions/"+resp.SessionID+"/title", map[string]string{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("retitle status = %d", rec.Code)
	}
	if th := decodeBody[domain.Thread](t, rec); th.Title != "Renamed" {
		t.Fatalf("title = %q", th.Title)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+resp.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+resp.SessionID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestFlowCRUDOverHTTP(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/flows", map[string]string{
		"name": "helper", "model": "openai/gpt-4o", "creator_email": "a@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.Flow](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/flows/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/flows/"+created.ID, map[string]string{"name": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if fl := decodeBody[domain.Flow](t, rec); fl.Name != "renamed" {
		t.Fatalf("name = %q", fl.Name)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/flows/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/flows/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestUserLoginAndGet(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/users/login", map[string]string{"email": "a@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/users/a@example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if u := decodeBody[domain.User](t, rec); u.Email != "a@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/users/nobody@example.com", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d", rec.Code)
	}
}

func TestKBUploadAndStatusOverHTTP(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/kbs", map[string]string{
		"name": "notes", "user_email": "a@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create kb status = %d body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.KnowledgeBase](t, rec)
	if created.ID != "ds-1" {
		t.Fatalf("expected engine dataset id, got %q", created.ID)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.Copy(part, strings.NewReader("some text")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kbs/ds-1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	upRec := httptest.NewRecorder()
	env.srv.ServeHTTP(upRec, req)
	if upRec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", upRec.Code, upRec.Body.String())
	}
	info := decodeBody[domain.DocumentInfo](t, upRec)
	if info.DocID != "doc-1" || info.Status != domain.StatusProcessing {
		t.Fatalf("unexpected info: %+v", info)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/kbs/ds-1/documents/doc-1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d body = %s", rec.Code, rec.Body.String())
	}
	statusResp := decodeBody[map[string]string](t, rec)
	if statusResp["status"] != "ready" {
		t.Fatalf("expected reconciled ready, got %q", statusResp["status"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/kbs/ds-1/documents/nope/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing doc status = %d", rec.Code)
	}
}

func TestKBChatOverHTTP(t *testing.T) {
	env := newTestServer(t)
	env.engine.chunks = []ragflow.Chunk{
		{Content: "Willflow stages uploads in MinIO.", DocumentID: "doc-1", DocumentName: "arch.md", Similarity: 0.88},
	}
	env.completer.reply = "Uploads are staged in MinIO."

	rec := env.do(t, http.MethodPost, "/api/v1/kbs", map[string]string{
		"name": "notes", "user_email": "a@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create kb status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/kbs/ds-1/chat", map[string]string{
		"query": "Where do uploads go?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d body = %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[kb.ChatResult](t, rec)
	if res.Answer != "Uploads are staged in MinIO." {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected citations: %+v", res.Citations)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/kbs/ds-1/chat", map[string]string{"query": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank query status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/kbs/missing/chat", map[string]string{"query": "q"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing kb status = %d", rec.Code)
	}

	env.engine.retrieveErr = errors.New("engine down")
	rec = env.do(t, http.MethodPost, "/api/v1/kbs/ds-1/chat", map[string]string{"query": "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("engine failure status = %d", rec.Code)
	}
	env.engine.retrieveErr = nil
	env.completer.err = errors.New("upstream 500")
	rec = env.do(t, http.MethodPost, "/api/v1/kbs/ds-1/chat", map[string]string{"query": "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("completion failure status = %d", rec.Code)
	}
}

func TestKBDocumentDownloadOverHTTP(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/kbs", map[string]string{
		"name": "notes", "user_email": "a@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create kb status = %d", rec.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.Copy(part, strings.NewReader("some text")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kbs/ds-1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	upRec := httptest.NewRecorder()
	env.srv.ServeHTTP(upRec, req)
	if upRec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", upRec.Code, upRec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/kbs/ds-1/documents/doc-1/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[map[string]string](t, rec)
	if !strings.Contains(resp["url"], "doc-1") {
		t.Fatalf("presigned url missing document key: %q", resp["url"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/kbs/ds-1/documents/nope/download", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing doc download status = %d", rec.Code)
	}
}

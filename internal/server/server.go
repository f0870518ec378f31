// Package server exposes the HTTP API: chat turns and thread management,
// flow CRUD, user login, and knowledge-base CRUD with document upload and
// status reconciliation.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"willflow/internal/chat"
	"willflow/internal/flow"
	"willflow/internal/kb"
	"willflow/internal/thread"
	"willflow/internal/user"
	"willflow/internal/util"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Chat           *chat.Service
	Threads        *thread.Store
	Flows          *flow.Service
	Users          *user.Service
	KBs            *kb.Service
	MaxUploadBytes int64
}

// Server routes requests to the services.
type Server struct {
	chat           *chat.Service
	threads        *thread.Store
	flows          *flow.Service
	users          *user.Service
	kbs            *kb.Service
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		chat:           cfg.Chat,
		threads:        cfg.Threads,
		flows:          cfg.Flows,
		users:          cfg.Users,
		kbs:            cfg.KBs,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/v1/chat", s.handleChat)
	s.mux.HandleFunc("/api/v1/chat/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/chat/sessions/", s.handleSessionByID)

	s.mux.HandleFunc("/api/v1/flows", s.handleFlows)
	s.mux.HandleFunc("/api/v1/flows/", s.handleFlowByID)

	s.mux.HandleFunc("/api/v1/users/login", s.handleLogin)
	s.mux.HandleFunc("/api/v1/users/", s.handleUserByEmail)

	s.mux.HandleFunc("/api/v1/kbs", s.handleKBs)
	s.mux.HandleFunc("/api/v1/kbs/", s.handleKBByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/v1/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FlowID == "" || req.UserEmail == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "flow_id, user_email and message are required")
		return
	}
	resp, err := s.chat.ProcessChat(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrFlowNotFound):
			writeError(w, http.StatusNotFound, "flow not found")
		case errors.Is(err, chat.ErrThreadNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, chat.ErrUpstream):
			writeError(w, http.StatusBadGateway, "completion endpoint failure")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/chat/sessions?user_email=&flow_id=
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userEmail := r.URL.Query().Get("user_email")
	if userEmail == "" {
		writeError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	list := s.threads.List(r.Context(), userEmail, r.URL.Query().Get("flow_id"))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// /api/v1/chat/sessions/{id} and /api/v1/chat/sessions/{id}/title
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/chat/sessions/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if rest == "title" {
		s.handleSessionTitle(w, r, id)
		return
	}
	if rest != "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		th, ok := s.threads.Get(r.Context(), id)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, th)
	case http.MethodDelete:
		if !s.threads.Delete(r.Context(), id) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// PUT /api/v1/chat/sessions/{id}/title
func (s *Server) handleSessionTitle(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	th, ok := s.threads.UpdateTitle(r.Context(), id, body.Title)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// /api/v1/flows
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in flow.CreateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if in.Name == "" || in.Model == "" || in.CreatorEmail == "" {
			writeError(w, http.StatusBadRequest, "name, model and creator_email are required")
			return
		}
		fl, err := s.flows.Create(r.Context(), in)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, fl)
	case http.MethodGet:
		list, err := s.flows.List(r.Context(), r.URL.Query().Get("creator_email"), 0, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flows": list})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// /api/v1/flows/{id}
func (s *Server) handleFlowByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/flows/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		fl, found, err := s.flows.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeJSON(w, http.StatusOK, fl)
	case http.MethodPut:
		var in flow.UpdateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		fl, found, err := s.flows.Update(r.Context(), id, in)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeJSON(w, http.StatusOK, fl)
	case http.MethodDelete:
		ok, err := s.flows.Delete(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// POST /api/v1/users/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	u, err := s.users.Login(r.Context(), body.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GET /api/v1/users/{email}
func (s *Server) handleUserByEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	email := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
	if email == "" || strings.Contains(email, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	u, found, err := s.users.GetByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// /api/v1/kbs
func (s *Server) handleKBs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			UserEmail   string `json:"user_email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Name == "" || body.UserEmail == "" {
			writeError(w, http.StatusBadRequest, "name and user_email are required")
			return
		}
		created, err := s.kbs.Create(r.Context(), kb.CreateInput{
			Name:        body.Name,
			Description: body.Description,
			UserEmail:   body.UserEmail,
		})
		if err != nil {
			if errors.Is(err, kb.ErrEngine) {
				writeError(w, http.StatusBadGateway, "ingestion engine failure")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		userEmail := r.URL.Query().Get("user_email")
		if userEmail == "" {
			writeError(w, http.StatusBadRequest, "user_email is required")
			return
		}
		list, err := s.kbs.ListByUser(r.Context(), userEmail)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"knowledge_bases": list})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// /api/v1/kbs/{id}, /api/v1/kbs/{id}/chat, /api/v1/kbs/{id}/documents,
// /api/v1/kbs/{id}/documents/{docID}/status,
// /api/v1/kbs/{id}/documents/{docID}/download
func (s *Server) handleKBByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/kbs/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case rest == "":
		s.handleKB(w, r, id)
	case rest == "chat":
		s.handleKBChat(w, r, id)
	case rest == "documents":
		s.handleKBUpload(w, r, id)
	case strings.HasPrefix(rest, "documents/"):
		docID, action, _ := strings.Cut(strings.TrimPrefix(rest, "documents/"), "/")
		if docID == "" || strings.Contains(action, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		switch action {
		case "status":
			s.handleKBDocumentStatus(w, r, id, docID)
		case "download":
			s.handleKBDocumentDownload(w, r, id, docID)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleKB(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		found, ok, err := s.kbs.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		writeJSON(w, http.StatusOK, found)
	case http.MethodPut:
		var body struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated, err := s.kbs.Update(r.Context(), id, kb.UpdateInput{
			Name:        body.Name,
			Description: body.Description,
		})
		if err != nil {
			if errors.Is(err, kb.ErrKBNotFound) {
				writeError(w, http.StatusNotFound, "knowledge base not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		ok, err := s.kbs.Delete(r.Context(), id)
		if err != nil {
			if errors.Is(err, kb.ErrEngine) {
				writeError(w, http.StatusBadGateway, "ingestion engine failure")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// POST /api/v1/kbs/{id}/documents (multipart, field "file")
func (s *Server) handleKBUpload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.kbs.UploadDocument(r.Context(), id, header.Filename, contentType, file)
	if err != nil {
		if errors.Is(err, kb.ErrKBNotFound) {
			writeError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /api/v1/kbs/{id}/documents/{docID}/status
func (s *Server) handleKBDocumentStatus(w http.ResponseWriter, r *http.Request, id, docID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.kbs.ReconcileStatus(r.Context(), id, docID)
	if err != nil {
		switch {
		case errors.Is(err, kb.ErrKBNotFound):
			writeError(w, http.StatusNotFound, "knowledge base not found")
		case errors.Is(err, kb.ErrDocumentNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": docID, "status": string(st)})
}

// POST /api/v1/kbs/{id}/chat
func (s *Server) handleKBChat(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	res, err := s.kbs.ChatWithKB(r.Context(), id, strings.TrimSpace(body.Query))
	if err != nil {
		switch {
		case errors.Is(err, kb.ErrKBNotFound):
			writeError(w, http.StatusNotFound, "knowledge base not found")
		case errors.Is(err, kb.ErrEngine), errors.Is(err, kb.ErrUpstream):
			writeError(w, http.StatusBadGateway, "upstream failure")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/kbs/{id}/documents/{docID}/download
func (s *Server) handleKBDocumentDownload(w http.ResponseWriter, r *http.Request, id, docID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	url, err := s.kbs.DocumentDownloadURL(r.Context(), id, docID)
	if err != nil {
		switch {
		case errors.Is(err, kb.ErrKBNotFound):
			writeError(w, http.StatusNotFound, "knowledge base not found")
		case errors.Is(err, kb.ErrDocumentNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

package domain

import "time"

// DocStatus is the canonical document lifecycle vocabulary. Foreign
// ingestion-engine tokens are normalized into it by pkg/status.
type DocStatus string

const (
	StatusProcessing DocStatus = "processing"
	StatusReady      DocStatus = "ready"
	StatusFailed     DocStatus = "failed"
	StatusUnknown    DocStatus = "unknown"
)

// Terminal reports whether a status can never change again.
func (s DocStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// DefaultThreadTitle is the sentinel title of a thread that has not yet
// received its first user message.
const DefaultThreadTitle = "New Chat"

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Thread struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	UserEmail string    `json:"user_email"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadSummary is the listing shape; MessageCount is derived from the stored
// message sequence, never tracked separately.
type ThreadSummary struct {
	ID           string    `json:"id"`
	FlowID       string    `json:"flow_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Flow is a named agent configuration a thread is bound to.
type Flow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	CreatorEmail string    `json:"creator_email"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// DocumentInfo describes one ingested document inside a knowledge base.
// Status is the only field that changes after creation.
type DocumentInfo struct {
	DocID      string    `json:"doc_id"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	Status     DocStatus `json:"status"`
	UploadTime time.Time `json:"upload_time"`
	SizeBytes  int64     `json:"size_bytes"`
}

type KnowledgeBase struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	UserEmail   string         `json:"user_email"`
	Documents   []DocumentInfo `json:"documents"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

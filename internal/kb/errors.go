package kb

import "errors"

var (
	// ErrKBNotFound reports an unknown knowledge-base id.
	ErrKBNotFound = errors.New("knowledge base not found")
	// ErrDocumentNotFound reports a document id the knowledge base does not
	// contain.
	ErrDocumentNotFound = errors.New("document not found in knowledge base")
	// ErrEngine wraps failures of the ingestion engine.
	ErrEngine = errors.New("ingestion engine failure")
	// ErrUpstream wraps failures of the completion endpoint.
	ErrUpstream = errors.New("completion endpoint failure")
)

package chat

import "errors"

var (
	// ErrFlowNotFound indicates the referenced flow does not exist, so no
	// thread could be resolved or created for it.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrThreadNotFound indicates the thread vanished (or the store refused
	// the write) mid-turn.
	ErrThreadNotFound = errors.New("chat thread not found")
	// ErrUpstream indicates the completion endpoint failed; the turn is lost
	// but the user's message stays persisted.
	ErrUpstream = errors.New("completion upstream error")
)

// Package status normalizes the ingestion engine's status vocabulary.
//
// The engine reports free-form run states ("done", "PARSING", numeric codes as
// strings, ...) and the exact set drifts between versions. Every caller that
// inspects a foreign status goes through Canonical so the mapping cannot drift
// between call sites.
package status

import (
	"strings"

	"willflow/pkg/domain"
)

var tokens = map[string]domain.DocStatus{
	// finished
	"done":      domain.StatusReady,
	"complete":  domain.StatusReady,
	"completed": domain.StatusReady,
	"success":   domain.StatusReady,
	"indexed":   domain.StatusReady,
	"2":         domain.StatusReady,

	// in flight; "unstart" means queued but not yet picked up
	"running":     domain.StatusProcessing,
	"processing":  domain.StatusProcessing,
	"in_progress": domain.StatusProcessing,
	"parsing":     domain.StatusProcessing,
	"indexing":    domain.StatusProcessing,
	"unstart":     domain.StatusProcessing,
	"0":           domain.StatusProcessing,
	"1":           domain.StatusProcessing,

	// failed
	"failed":  domain.StatusFailed,
	"error":   domain.StatusFailed,
	"failure": domain.StatusFailed,
	"cancel":  domain.StatusFailed,
	"fail":    domain.StatusFailed,
	"-1":      domain.StatusFailed,
}

// Canonical maps a foreign status token to the canonical lifecycle. It is
// case-insensitive and total: anything unrecognized, including the empty
// string, maps to StatusUnknown.
func Canonical(token string) domain.DocStatus {
	if s, ok := tokens[strings.ToLower(strings.TrimSpace(token))]; ok {
		return s
	}
	return domain.StatusUnknown
}

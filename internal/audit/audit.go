// Package audit provides a unified helper for logging traffic lifecycle
// events. The engine keeps no database of its own (state lives entirely in
// the KV index with TTLs), so unlike a typical audit trail these events are
// structured log lines, not persisted records — but the call shape is the
// same one-call-per-event pattern used for DB-backed audit trails.
package audit

import "github.com/rs/zerolog/log"

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single lifecycle event.
// Using a named struct avoids the swap-bug risk of several consecutive
// string parameters.
type Entry struct {
	// Action is a dot-namespaced verb, e.g. "traffic.create", "traffic.delete".
	Action string
	// ResourceType is the category of the affected resource, e.g. "traffic", "port".
	ResourceType string
	// ResourceID is the traffic id, server id, or port key the event concerns.
	ResourceID string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// Detail holds optional structured context (port counts, error message, etc.).
	Detail map[string]any
}

// Write emits one structured lifecycle event. Errors in the caller's own
// operation should already be part of Detail — Write itself never returns
// an error since a logging failure must never break the calling operation.
func Write(entry Entry) {
	status := entry.Status
	if !validStatuses[status] {
		status = StatusFailed
	}

	evt := log.Info()
	if status == StatusFailed {
		evt = log.Warn()
	}

	evt = evt.
		Str("action", entry.Action).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Str("status", status)

	for k, v := range entry.Detail {
		evt = evt.Interface(k, v)
	}

	evt.Msg(entry.Action)
}

/*
dto.go - Data Transfer Objects for the HTTP bridge

PURPOSE:
  Request and response shapes that exist only at the HTTP layer. Catalog
  request types (UpsertEventRequest, GeneratePlanRequest, ...) are decoded
  directly from request bodies; the types here cover path-plus-body routes
  and response envelopes.

CONVENTIONS:
  - Timestamps are RFC 3339, dates are YYYY-MM-DD
  - Hours are decimal strings ("2.5"), never floats
  - Errors always use ErrorResponse
*/
package api

import (
	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// REQUEST DTOs
// =============================================================================

// StatusRequest is the body of PUT /api/events/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// NoteRequest is the body of POST /api/events/{id}/notes.
type NoteRequest struct {
	Note string `json:"note"`
}

// DueRequest is the body of PUT /api/events/{id}/due.
type DueRequest struct {
	DueDate string `json:"due_date"`
}

// RescheduleRequest is the body of POST /api/events/{id}/reschedule.
// To is today, tomorrow or next_week.
type RescheduleRequest struct {
	To string `json:"to"`
}

// CreateSubjectRequest is the body of POST /api/subjects.
type CreateSubjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

// CallResponse wraps the result of POST /api/functions/{name}.
type CallResponse struct {
	Function string `json:"function"`
	Result   any    `json:"result"`
}

type EventsResponse struct {
	Start  string          `json:"start,omitempty"`
	End    string          `json:"end,omitempty"`
	Events []calendar.Task `json:"events"`
}

type HistoryResponse struct {
	Entries []calendar.HistoryEntry `json:"entries"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidInput      = "invalid_input"
	CodeDuplicateName     = "duplicate_name"
	CodeNotFound          = "not_found"
	CodeStaleWrite        = "stale_write"
	CodeRemoteUnavailable = "remote_unavailable"
	CodeHistoryWrite      = "history_write"
	CodeInternal          = "internal"
)

/*
handlers.go - HTTP bridge over the function catalog

PURPOSE:
  Exposes the catalog to local clients (desktop UI, scripts) over HTTP.
  Every route delegates to one catalog function, so HTTP, MCP and direct Go
  callers see identical behavior.

ENDPOINTS:
  Catalog:
    GET    /api/functions                 List callable functions
    POST   /api/functions/{name}          Call a function with a JSON body

  Events:
    GET    /api/events?day=               Events on a day
    GET    /api/events?start=&end=        Events overlapping a range
    GET    /api/events?overdue=true       Unfinished events past due
    GET    /api/events?due_within=N       Events due in the next N days
    POST   /api/events                    Create or update an event
    PUT    /api/events/{id}               Update an event
    PUT    /api/events/{id}/status        Set status
    POST   /api/events/{id}/notes         Append a note
    DELETE /api/events/{id}               Delete an event

  Categories / Subjects / Plans:
    GET    /api/categories                List categories
    POST   /api/categories                Create or update a category
    DELETE /api/categories/{id}           Delete, clearing event references
    GET    /api/subjects                  List subjects with progress
    GET    /api/subjects/{id}/events      A subject's tasks in schedule order
    DELETE /api/subjects/{id}             Delete (?remove_tasks=true)
    POST   /api/plans                     Generate a plan from an outline
    POST   /api/plans/review              Preview a review plan

  History / Sync:
    GET    /api/history                   ?from=&to=&action=&limit=
    GET    /api/history/{id}              One entry
    POST   /api/history/{id}/revert       Revert an entry
    GET    /api/profile                   Current user
    POST   /api/sync/refresh              Re-hydrate around now
    GET    /api/sync/window               Mirrored window and dirty keys

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid schedule input
  - 404: Entity or function not found
  - 409: Stale write, duplicate name
  - 503: Remote backend unavailable
  - 500: History write failure, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - catalog/registry.go: The function table
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/catalog"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the catalog served over HTTP.
type Handler struct {
	Service  *catalog.Service
	Registry *catalog.Registry
}

// NewHandler creates a handler; the registry is built from svc.
func NewHandler(svc *catalog.Service) *Handler {
	return &Handler{Service: svc, Registry: catalog.NewRegistry(svc)}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListFunctions returns every catalog function with its parameter schema.
func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Describe())
}

// CallFunction invokes a catalog function by name. The body is the JSON
// argument object and may be empty.
func (h *Handler) CallFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.Registry.Lookup(name); !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Unknown function", fmt.Errorf("no function named %q", name))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "Invalid request body", err)
		return
	}
	result, err := h.Registry.Call(r.Context(), name, body)
	if err != nil {
		writeServiceError(w, "Call to "+name+" failed", err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Function: name, Result: result})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents selects events by day, range, overdue or due-within.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("day") != "":
		events, err := h.Service.EventsForDay(q.Get("day"))
		if err != nil {
			writeServiceError(w, "Failed to list events", err)
			return
		}
		writeJSON(w, http.StatusOK, EventsResponse{Start: q.Get("day"), End: q.Get("day"), Events: nonNil(events)})

	case q.Get("start") != "" || q.Get("end") != "":
		events, err := h.Service.EventsBetween(q.Get("start"), q.Get("end"))
		if err != nil {
			writeServiceError(w, "Failed to list events", err)
			return
		}
		writeJSON(w, http.StatusOK, EventsResponse{Start: q.Get("start"), End: q.Get("end"), Events: nonNil(events)})

	case q.Get("overdue") == "true":
		writeJSON(w, http.StatusOK, EventsResponse{Events: nonNil(h.Service.ListOverdueTasks())})

	case q.Get("due_within") != "":
		days, err := strconv.Atoi(q.Get("due_within"))
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidInput, "Invalid due_within (use a number of days)", err)
			return
		}
		res, err := h.Service.ListTasksDueWithin(days)
		if err != nil {
			writeServiceError(w, "Failed to list events", err)
			return
		}
		writeJSON(w, http.StatusOK, EventsResponse{Start: res.Start, End: res.End, Events: res.Tasks})

	default:
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "Specify day, start and end, overdue or due_within", nil)
	}
}

// UpsertEvent creates or updates an event. PUT takes the id from the path.
func (h *Handler) UpsertEvent(w http.ResponseWriter, r *http.Request) {
	var req catalog.UpsertEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}
	res, err := h.Service.UpsertEvent(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to save event", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.UpdateEventStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, "Failed to update status", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.AddNoteToEvent(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeServiceError(w, "Failed to add note", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetEvent returns one event with its category and subject.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.GetEventDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to get event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) UpdateDueDate(w http.ResponseWriter, r *http.Request) {
	var req DueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.UpdateEventDueDate(r.Context(), chi.URLParam(r, "id"), req.DueDate)
	if err != nil {
		writeServiceError(w, "Failed to update due date", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RescheduleEvent(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.RescheduleEvent(r.Context(), chi.URLParam(r, "id"), catalog.Reschedule(req.To))
	if err != nil {
		writeServiceError(w, "Failed to reschedule event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// CATEGORY / SUBJECT / PLAN HANDLERS
// =============================================================================

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Service.ListCategories()))
}

func (h *Handler) UpsertCategory(w http.ResponseWriter, r *http.Request) {
	var req catalog.UpsertCategoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.UpsertCategory(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to save category", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// DeleteCategory removes a category and clears it from every event.
func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.DeleteCategory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to delete category", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Service.ListSubjects()))
}

func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var req CreateSubjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.CreateSubject(r.Context(), req.Name, req.Description, req.Color)
	if err != nil {
		writeServiceError(w, "Failed to create subject", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// UpdateSubject changes the name, description or color given in the body.
func (h *Handler) UpdateSubject(w http.ResponseWriter, r *http.Request) {
	var req catalog.UpdateSubjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	res, err := h.Service.UpdateSubject(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to update subject", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SubjectEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.ListTasksForSubject(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to list subject events", err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: nonNil(events)})
}

func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	removeTasks := r.URL.Query().Get("remove_tasks") == "true"
	res, err := h.Service.DeleteSubject(r.Context(), chi.URLParam(r, "id"), removeTasks)
	if err != nil {
		writeServiceError(w, "Failed to delete subject", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GeneratePlan schedules an outline and stores the tasks.
func (h *Handler) GeneratePlan(w http.ResponseWriter, r *http.Request) {
	var req catalog.GeneratePlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.GeneratePlanFromOutline(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to generate plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ReviewPlan previews review sessions without storing anything.
func (h *Handler) ReviewPlan(w http.ResponseWriter, r *http.Request) {
	var req catalog.ReviewPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.GenerateReviewPlanForSubject(req)
	if err != nil {
		writeServiceError(w, "Failed to generate review plan", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := catalog.HistoryQuery{From: q.Get("from"), To: q.Get("to"), Actions: q["action"]}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidInput, "Invalid limit", err)
			return
		}
		query.Limit = limit
	}
	entries, err := h.Service.ListHistory(query)
	if err != nil {
		writeServiceError(w, "Failed to list history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

func (h *Handler) GetHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := historyID(w, r)
	if !ok {
		return
	}
	entry, err := h.Service.GetHistoryEntry(id)
	if err != nil {
		writeServiceError(w, "Failed to get history entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RevertHistoryEntry restores the state before an entry.
func (h *Handler) RevertHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := historyID(w, r)
	if !ok {
		return
	}
	res, err := h.Service.RevertToHistoryEntry(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to revert", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func historyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "Invalid history id", err)
		return 0, false
	}
	return id, true
}

// =============================================================================
// PROFILE / SYNC HANDLERS
// =============================================================================

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.CurrentUserProfile(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to load profile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RefreshTimeline re-hydrates the mirrored window around now.
func (h *Handler) RefreshTimeline(w http.ResponseWriter, r *http.Request) {
	state, err := h.Service.RefreshTimeline(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to refresh timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) SyncWindow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.SyncWindow())
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody reads a JSON body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "Invalid request body", err)
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps catalog errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s: %v", message, err)
	}
	writeError(w, status, code, message, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calendar.ErrDuplicateName):
		return http.StatusConflict, CodeDuplicateName
	case calendar.IsConflict(err):
		return http.StatusConflict, CodeStaleWrite
	case calendar.IsClientError(err):
		return http.StatusBadRequest, CodeInvalidInput
	case calendar.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case calendar.IsRetryable(err):
		return http.StatusServiceUnavailable, CodeRemoteUnavailable
	case errors.Is(err, calendar.ErrHistoryWrite):
		return http.StatusInternalServerError, CodeHistoryWrite
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

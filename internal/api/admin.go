package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

// QueueMissingRequest is the body of POST /v1/integrity/queue-missing
type QueueMissingRequest struct {
	MissingIDs []int64 `json:"missingIds"`
}

// IntegrityCheck reports the IDs missing below the highest stored profile
func (h *Handler) IntegrityCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	report, err := h.maintenance.Check(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	loggerWithRequest(r).Info().
		Int64("max_id", report.MaxID).
		Int("missing", report.MissingCount).
		Msg("Integrity check completed")
	WriteSuccess(w, r, report, "")
}

// QueueMissing pushes the given IDs onto the priority queue
func (h *Handler) QueueMissing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req QueueMissingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}
	if len(req.MissingIDs) == 0 {
		BadRequest(w, r, "missingIds must not be empty")
		return
	}
	for _, id := range req.MissingIDs {
		if id <= 0 {
			BadRequest(w, r, "missingIds must be positive")
			return
		}
	}

	queued, err := h.maintenance.QueueMissing(r.Context(), req.MissingIDs)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int{"queued": queued}, "Missing IDs added to the priority queue")
}

// Deduplicate removes all but the latest record of every repeated ID
func (h *Handler) Deduplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	deleted, err := h.maintenance.Deduplicate(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int64{"deletedCount": deleted}, "")
}

// Recount recomputes one dashboard counter from the result store
func (h *Handler) Recount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	category := r.PathValue("category")
	workerID := strings.TrimSpace(r.URL.Query().Get("worker_id"))

	count, err := h.maintenance.Recount(r.Context(), category, workerID)
	if err != nil {
		if HandleDomainError(w, r, err) {
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int64{"count": count}, "")
}

// ClearData wipes every harvester key and the profiles collection. The call
// must carry confirm=true.
func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	logger := loggerWithRequest(r)

	if r.Method != http.MethodDelete {
		MethodNotAllowed(w, r)
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		BadRequest(w, r, "Add confirm=true to delete all harvester data")
		return
	}

	logger.Warn().
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Data wipe requested")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event_type", "admin_action")
		scope.SetTag("action", "clear_data")
		scope.SetContext("admin_action", map[string]interface{}{
			"endpoint":   r.URL.Path,
			"user_agent": r.UserAgent(),
			"ip_address": r.RemoteAddr,
		})
		sentry.CaptureMessage("Harvester data wipe")
	})

	removed, err := h.maintenance.ClearData(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Data wipe failed")
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int64{"deletedKeys": removed}, "All harvester data cleared")
}

package api

import (
	"net/http"
	"strings"
)

// ListWorkers returns every worker known to the shared store
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	workers, err := h.workers.Workers(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, workers, "")
}

// WorkerAction handles POST /v1/workers/{id}/start and /stop
func (h *Handler) WorkerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	workerID := strings.TrimSpace(r.PathValue("id"))
	if workerID == "" {
		BadRequest(w, r, "Worker ID is required")
		return
	}
	logger := loggerWithRequest(r).With().Str("worker_id", workerID).Logger()
	data := map[string]string{"workerId": workerID}

	switch r.PathValue("action") {
	case "start":
		if err := h.workers.Start(workerID); err != nil {
			if HandleDomainError(w, r, err) {
				return
			}
			InternalError(w, r, err)
			return
		}
		logger.Info().Msg("Worker start requested")
		WriteAccepted(w, r, data, "Worker starting")

	case "stop":
		if err := h.workers.Stop(r.Context(), workerID); err != nil {
			if HandleDomainError(w, r, err) {
				return
			}
			DatabaseError(w, r, err)
			return
		}
		logger.Info().Msg("Worker stop requested")
		WriteSuccess(w, r, data, "Stop signal sent, the worker finishes its current sub-batch first")

	default:
		NotFound(w, r, "Unknown worker action")
	}
}

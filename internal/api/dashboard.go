package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/jobs"
	"github.com/Harvey-AU/profile-harvester/internal/logsink"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
)

// Stats returns the shared dashboard counters
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	snap, err := jobs.ReadStats(r.Context(), h.store)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, snap, "")
}

// SearchProfiles handles GET /v1/profiles/search?q=&type=&limit=. Without a
// type, numeric queries search by ID and anything else by nickname.
func (h *Handler) SearchProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		BadRequest(w, r, "q is required")
		return
	}

	searchType := r.URL.Query().Get("type")
	if searchType == "" {
		searchType = db.SearchByNickname
		if _, err := strconv.ParseInt(query, 10, 64); err == nil || query == "latest" {
			searchType = db.SearchByID
		}
	}

	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	profiles, err := h.profiles.Search(r.Context(), db.SearchQuery{Type: searchType, Query: query, Limit: limit})
	if err != nil {
		if HandleDomainError(w, r, err) {
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, profiles, "")
}

// GetProfile returns one stored record by upstream ID
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, r, "Profile ID must be a positive integer")
		return
	}

	profile, err := h.profiles.FindByID(r.Context(), id)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if profile == nil {
		NotFound(w, r, "Profile not found")
		return
	}
	WriteSuccess(w, r, profile, "")
}

// Logs returns the newest project log entries. critical=true reads the
// error list.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	critical := r.URL.Query().Get("critical") == "true"

	entries, err := logsink.Read(r.Context(), h.store, critical, limit)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, entries, "")
}

package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/jobs"
	"github.com/Harvey-AU/profile-harvester/internal/state"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const (
	serviceName        = "profile-harvester"
	healthCheckTimeout = 3 * time.Second
)

// WorkerController starts and stops workers.
type WorkerController interface {
	Start(workerID string) error
	Stop(ctx context.Context, workerID string) error
	Workers(ctx context.Context) ([]jobs.WorkerStatus, error)
}

// Maintenance is the set of integrity and housekeeping actions.
type Maintenance interface {
	Check(ctx context.Context) (jobs.IntegrityReport, error)
	QueueMissing(ctx context.Context, ids []int64) (int, error)
	Deduplicate(ctx context.Context) (int64, error)
	Recount(ctx context.Context, category, workerID string) (int64, error)
	ClearData(ctx context.Context) (int64, error)
}

// ProfileReader looks up stored profiles.
type ProfileReader interface {
	FindByID(ctx context.Context, id int64) (*db.Profile, error)
	Search(ctx context.Context, q db.SearchQuery) ([]db.Profile, error)
}

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires a Handler.
type Dependencies struct {
	Store       state.Store
	Workers     WorkerController
	Maintenance Maintenance
	Profiles    ProfileReader
	Settings    config.Provider
	// Checks are pinged by the readiness endpoint, keyed by name.
	Checks map[string]Pinger
}

// Handler holds dependencies for API handlers
type Handler struct {
	store       state.Store
	workers     WorkerController
	maintenance Maintenance
	profiles    ProfileReader
	settings    config.Provider
	checks      map[string]Pinger
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		store:       deps.Store,
		workers:     deps.Workers,
		maintenance: deps.Maintenance,
		profiles:    deps.Profiles,
		settings:    deps.Settings,
		checks:      deps.Checks,
	}
}

// SetupRoutes registers every route on mux
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/ready", h.ReadinessCheck)

	mux.HandleFunc("/v1/workers", h.ListWorkers)
	mux.HandleFunc("/v1/workers/{id}/{action}", h.WorkerAction)

	mux.HandleFunc("/v1/stats", h.Stats)
	mux.HandleFunc("/v1/stats/recount/{category}", h.Recount)

	mux.HandleFunc("/v1/integrity/check", h.IntegrityCheck)
	mux.HandleFunc("/v1/integrity/queue-missing", h.QueueMissing)
	mux.HandleFunc("/v1/maintenance/deduplicate", h.Deduplicate)
	mux.HandleFunc("/v1/maintenance/data", h.ClearData)

	mux.HandleFunc("/v1/profiles/search", h.SearchProfiles)
	mux.HandleFunc("/v1/profiles/{id}", h.GetProfile)

	mux.HandleFunc("/v1/config", h.Config)
	mux.HandleFunc("/v1/logs", h.Logs)
}

// HealthCheck reports liveness only
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, serviceName, Version, nil)
}

// ReadinessCheck pings every configured dependency
func (h *Handler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			loggerWithRequest(r).Warn().Err(err).Str("dependency", name).Msg("Readiness check failed")
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	if !healthy {
		WriteUnhealthy(w, r, serviceName, results)
		return
	}
	WriteHealthy(w, r, serviceName, Version, results)
}

package state

import (
	"strconv"
	"strings"
)

// Shared keys used across workers. Names are kept stable so dashboards
// reading the store keep working across releases.
const (
	KeyNextID            = "next_funpay_id_to_parse"
	KeyPriorityQueue     = "failed_tasks"
	KeyAllocationLease   = "scraper_process_lock"
	KeyIntegrityLease    = "integrity_check_lock"
	KeyConsecutiveMisses = "scraper_global_consecutive_404"
	KeyMissStartID       = "scraper_global_404_start_id"
	KeyPauseUntil        = "scraper_global_pause_until"
	KeyLastErrorID       = "scraper_last_error_id"
	KeyStats             = "scraping_stats"
	KeyRecentProfiles    = "recent_profiles"
	KeySettings          = "scraper_config"
	KeyProjectLogs       = "project_logs"
	KeyCriticalLogs      = "critical_project_logs"

	RunStatusPrefix     = "scraper_status:"
	FoundByWorkerPrefix = "found_by_worker:"
)

// Stats hash fields.
const (
	StatSuccessful = "successful"
	StatSupport    = "support"
	StatBanned     = "banned"
)

// Worker run states stored under RunStatusKey.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// StaleKeys are cleared by the integrity auditor before a fresh run.
var StaleKeys = []string{
	KeyConsecutiveMisses,
	KeyMissStartID,
	KeyPauseUntil,
	KeyAllocationLease,
	KeyLastErrorID,
}

// ProjectKeyPatterns lists every key pattern owned by the harvester.
var ProjectKeyPatterns = []string{
	KeyProjectLogs,
	KeyCriticalLogs,
	KeyStats,
	KeyRecentProfiles,
	KeyPriorityQueue,
	KeyAllocationLease,
	KeyNextID,
	KeyLastErrorID,
	KeyConsecutiveMisses,
	KeyMissStartID,
	KeyPauseUntil,
	KeyIntegrityLease,
	FoundByWorkerPrefix + "*",
}

func RunStatusKey(workerID string) string {
	return RunStatusPrefix + workerID
}

func FoundByWorkerKey(workerID string) string {
	return FoundByWorkerPrefix + workerID
}

// WorkerIDFromStatusKey strips the run status prefix.
func WorkerIDFromStatusKey(key string) string {
	return strings.TrimPrefix(key, RunStatusPrefix)
}

// FormatIDs converts ids to their list representation.
func FormatIDs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// ParseIDs converts list values back to ids, skipping anything malformed.
func ParseIDs(values []string) []int64 {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

package api

import "time"

// v0 contains the public result contract printed by benchfleet.

// Failure is one structured diagnosis entry.
type Failure struct {
	Timestamp string         `json:"timestamp"`
	Benchmark string         `json:"benchmark"`
	ErrorType string         `json:"error_type"`
	Reason    string         `json:"reason"`
	Solutions []string       `json:"solutions"`
	Metadata  map[string]any `json:"metadata"`
}

// Diagnosis error types written by the orchestrator.
const (
	ErrLogFileMissing      = "log_file_missing"
	ErrEmptyLogFile        = "empty_log_file"
	ErrMissingRoleInResult = "missing_role_in_result"
	ErrIncorrectRole       = "incorrect_role"
	ErrParseFailed         = "parse_error"
	ErrPortUnavailable     = "port_unavailable"
	ErrInstanceSpawnFailed = "instance_spawn_failed"
	ErrSupervisionTimedOut = "supervision_timed_out"
)

// FleetSummary is the single JSON object emitted once a fleet completes.
// Metric fields only accumulate results from valid instances.
type FleetSummary struct {
	SpawnedInstances    int       `json:"spawned_instances"`
	SuccessfulInstances int       `json:"successful_instances"`
	Role                string    `json:"role"`
	FastQPS             float64   `json:"fast_qps"`
	SlowQPS             float64   `json:"slow_qps"`
	HitRatio            float64   `json:"hit_ratio"`
	TotalQPS            float64   `json:"total_qps"`
	NumDataPoints       int64     `json:"num_data_points"`
	Failures            []Failure `json:"failures"`
	FailureReadError    string    `json:"failure_read_error,omitempty"`
}

type RunStatus string

const (
	RunSuccess     RunStatus = "success"
	RunTimedOut    RunStatus = "timed_out"
	RunLaunchError RunStatus = "launch_error"
	RunParseError  RunStatus = "parse_error"
)

// Report wraps a summary with run bookkeeping.
type Report struct {
	RunID      string        `json:"run_id"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Summary    *FleetSummary `json:"summary"`
}

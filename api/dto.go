package api

import "time"

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HealthResponse is returned by the liveness and readiness probes.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SweepStatusResponse describes the sweeper and its recent runs.
type SweepStatusResponse struct {
	Enabled     bool       `json:"enabled"`
	Interval    string     `json:"interval"`
	Concurrency int        `json:"concurrency"`
	BatchSize   int        `json:"batch_size"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRun     *SweepRun  `json:"last_run,omitempty"`
	History     []SweepRun `json:"history"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

package client

import "time"

// ProcessRecord mirrors the watchdog's persisted record.
type ProcessRecord struct {
	Name                       string    `json:"name"`
	SupervisorPID              int       `json:"supervisor_pid"`
	PID                        int       `json:"pid"`
	StartTime                  time.Time `json:"start_time"`
	LastHealthOK               time.Time `json:"last_health_ok_time"`
	ConsecutiveHealthFailures  int       `json:"consecutive_health_failures"`
	ConsecutiveRestartFailures int       `json:"consecutive_restart_failures"`
	RestartCount               int       `json:"restart_count"`
	LastExitCode               int       `json:"last_exit_code"`
	State                      string    `json:"state"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// BackoffState is the restart backoff snapshot.
type BackoffState struct {
	AttemptCount  int           `json:"attempt_count"`
	CurrentDelay  time.Duration `json:"current_delay"`
	Floor         time.Duration `json:"floor"`
	Ceiling       time.Duration `json:"ceiling"`
	LastResetTime time.Time     `json:"last_reset_time"`
}

type LaneStatus struct {
	ID       string `json:"id"`
	Pending  int    `json:"pending"`
	InFlight bool   `json:"in_flight"`
}

type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the body of GET /status.
type Status struct {
	Record        ProcessRecord `json:"record"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Backoff       BackoffState  `json:"backoff"`
	Lanes         []LaneStatus  `json:"lanes,omitempty"`
	Resources     *Resources    `json:"resources,omitempty"`
}

// Event is one history entry from GET /events.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"event_type"`
	Name         string         `json:"name,omitempty"`
	PID          int            `json:"pid,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	Success      bool           `json:"success"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// EventQuery filters GET /events.
type EventQuery struct {
	Type  string
	Limit int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

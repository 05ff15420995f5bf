package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loykin/warden/internal/process"
)

type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

var allStates = []State{StateStopped, StateStarting, StateRunning, StateUnhealthy, StateCrashed, StateRestarting}

func (s State) String() string { return string(s) }

// ProcessRecord is the supervisor's view of the current child. It is only
// mutated by the watchdog goroutine and persisted next to the PID file so a
// later supervisor run can find an orphaned child.
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
	State                      State     `json:"state"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// Uptime of the current child relative to now, zero when nothing runs.
func (r ProcessRecord) Uptime(now time.Time) time.Duration {
	if r.PID == 0 || r.StartTime.IsZero() {
		return 0
	}
	return now.Sub(r.StartTime)
}

// WriteState atomically persists rec as JSON.
func WriteState(path string, rec ProcessRecord) error {
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return process.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// ReadState loads a record written by WriteState.
func ReadState(path string) (ProcessRecord, error) {
	var rec ProcessRecord
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("state file %s: %w", path, err)
	}
	return rec, nil
}

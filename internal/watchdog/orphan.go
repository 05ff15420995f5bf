package watchdog

import (
	"log/slog"

	"github.com/loykin/warden/internal/process"
)

// reapOrphan terminates a child left behind by a previous supervisor that
// died without cleaning up. The recorded start time guards against killing
// an unrelated process that reused the PID.
func (w *Watchdog) reapOrphan() {
	if w.cfg.StateFile == "" {
		return
	}
	rec, err := ReadState(w.cfg.StateFile)
	if err != nil || rec.PID <= 0 {
		return
	}
	var want int64
	if !rec.StartTime.IsZero() {
		want = rec.StartTime.Unix()
	}
	if !process.SameProcess(rec.PID, want) {
		slog.Debug("stale state file; process gone", "pid", rec.PID)
		_ = process.RemovePIDFile(w.cfg.PIDFile)
		return
	}
	slog.Warn("terminating orphaned process from previous run", "name", w.cfg.Name, "pid", rec.PID)
	if !process.TerminatePID(rec.PID, w.cfg.StopTimeout) {
		slog.Error("orphaned process did not exit", "pid", rec.PID)
	}
	_ = process.RemovePIDFile(w.cfg.PIDFile)
}

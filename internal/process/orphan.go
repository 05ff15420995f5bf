package process

import (
	"syscall"
	"time"
)

// StartTimeUnix returns the start time of pid in Unix seconds, or 0 if unknown.
func StartTimeUnix(pid int) int64 { return getProcStartUnix(pid) }

// SameProcess reports whether pid is alive and, when wantStart is known, was
// started at wantStart (within a small tolerance). This guards against
// acting on a recycled PID.
func SameProcess(pid int, wantStart int64) bool {
	if !Alive(pid) {
		return false
	}
	if wantStart <= 0 {
		return true
	}
	got := getProcStartUnix(pid)
	if got <= 0 {
		return true
	}
	d := got - wantStart
	return d >= -2 && d <= 2
}

// TerminatePID stops a process we did not spawn (e.g. left over from a
// previous supervisor run). It signals the group, polls for exit, and
// escalates to SIGKILL after grace.
func TerminatePID(pid int, grace time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	_ = signalGroup(pid, syscall.SIGTERM)
	if waitGone(pid, grace) {
		return true
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	return waitGone(pid, 2*time.Second)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !Alive(pid) || isZombie(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

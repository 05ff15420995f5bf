// Package process launches and terminates the supervised child.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned when terminating a process that never ran.
var ErrNotStarted = errors.New("process not started")

// Process is one run of a Spec. A single goroutine waits on the child so
// Done, ExitCode and Err are safe to use from anywhere.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
	closers  []io.Closer
}

// Start launches spec with env as the complete environment. The child gets
// its own process group so it can be signalled as a unit.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{}), exitCode: -1}
	outW, errW, err := spec.Log.Writers(nameOr(spec.Name))
	if err != nil {
		return nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.wait()
	return p, nil
}

func nameOr(n string) string {
	if n == "" {
		return "worker"
	}
	return n
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exitErr = err
	p.exitCode = code
	p.exitedAt = time.Now()
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Spec() Spec           { return p.spec }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is the child's exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Uptime is the time between start and exit, or until now while running.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exitedAt.IsZero() {
		return p.exitedAt.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL. It returns once the child has been reaped or the kill
// wait expires.
func (p *Process) Terminate(grace time.Duration) error {
	if p == nil || p.pid == 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	_ = signalGroup(p.pid, syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	_ = signalGroup(p.pid, syscall.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("pid %d did not exit after SIGKILL", p.pid)
	}
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return signalGroup(p.pid, s)
}

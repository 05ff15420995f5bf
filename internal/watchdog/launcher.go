package watchdog

import (
	"context"
	"time"

	"github.com/loykin/warden/internal/process"
)

// Child is a running supervised process.
type Child interface {
	PID() int
	StartedAt() time.Time
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed; -1 means killed by a signal.
	ExitCode() int
	Terminate(grace time.Duration) error
}

// Launcher spawns the target with the given environment.
type Launcher interface {
	Launch(ctx context.Context, env []string) (Child, error)
}

type LauncherFunc func(ctx context.Context, env []string) (Child, error)

func (f LauncherFunc) Launch(ctx context.Context, env []string) (Child, error) { return f(ctx, env) }

// ProcessLauncher starts Spec as an OS process.
type ProcessLauncher struct {
	Spec process.Spec
}

func (l ProcessLauncher) Launch(_ context.Context, env []string) (Child, error) {
	p, err := process.Start(l.Spec, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}

//go:build !windows

package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
)

func TestProcessLauncher_RealChild(t *testing.T) {
	dir := t.TempDir()
	spec := process.Spec{
		Name:    "echoer",
		Command: "sh -c 'echo started $WARDEN_TEST; exit 0'",
		WorkDir: dir,
		Log:     logger.Config{Dir: filepath.Join(dir, "logs")},
	}
	sink, err := history.NewJSONLSink(filepath.Join(dir, "logs", "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	w := New(Config{
		Name:         "echoer",
		Env:          map[string]string{"WARDEN_TEST": "hello"},
		PIDFile:      filepath.Join(dir, "run", "echoer.pid"),
		StateFile:    filepath.Join(dir, "run", "echoer.json"),
		StopFile:     filepath.Join(dir, "run", "echoer.stop"),
		PollInterval: 20 * time.Millisecond,
		StartGrace:   50 * time.Millisecond,
	}, ProcessLauncher{Spec: spec}, WithHistory(sink))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("state %s", w.State())
	}
	out, _ := spec.Log.Paths("echoer")
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if !strings.Contains(string(b), "started hello") {
		t.Fatalf("stdout %q", b)
	}
	events, err := history.ReadJSONL(sink.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 || events[0].Type != history.EventStart {
		t.Fatalf("events %+v", events)
	}
}

func TestRequestStop_RealChild(t *testing.T) {
	dir := t.TempDir()
	stop := filepath.Join(dir, "run", "sleeper.stop")
	w := New(Config{
		Name:         "sleeper",
		PIDFile:      filepath.Join(dir, "run", "sleeper.pid"),
		StateFile:    filepath.Join(dir, "run", "sleeper.json"),
		StopFile:     stop,
		PollInterval: 20 * time.Millisecond,
		StopTimeout:  time.Second,
	}, ProcessLauncher{Spec: process.Spec{Name: "sleeper", Command: "sleep 30", WorkDir: dir}})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for w.Record().PID == 0 {
		if time.Now().After(deadline) {
			t.Fatal("child never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	pid := w.Record().PID
	if err := RequestStop(stop); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
	if process.Alive(pid) {
		t.Fatalf("child %d still alive", pid)
	}
	if _, err := os.Stat(stop); !os.IsNotExist(err) {
		t.Fatal("stop file not consumed")
	}
}

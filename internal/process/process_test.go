//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/warden/internal/logger"
)

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestStart_ExitCode(t *testing.T) {
	p, err := Start(Spec{Command: "sh -c 'exit 3'"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if p.ExitCode() != 3 {
		t.Fatalf("exit code = %d, want 3", p.ExitCode())
	}
	if p.Err() == nil {
		t.Fatalf("expected exit error")
	}
}

func TestStart_CleanExit(t *testing.T) {
	p, err := Start(Spec{Command: "/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	if p.ExitCode() != 0 || p.Err() != nil {
		t.Fatalf("unexpected exit: code=%d err=%v", p.ExitCode(), p.Err())
	}
}

func TestStart_MissingBinary(t *testing.T) {
	if _, err := Start(Spec{Command: "/definitely/not/here"}, nil); err == nil {
		t.Fatalf("expected start error")
	}
}

func TestStart_EnvAndLogs(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{
		Name:    "worker",
		Command: "sh -c 'echo $GREETING; echo oops 1>&2'",
		WorkDir: dir,
		Log:     logger.Config{Dir: filepath.Join(dir, "logs")},
	}
	p, err := Start(spec, append(os.Environ(), "GREETING=hello"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	out, err := os.ReadFile(filepath.Join(dir, "logs", "worker.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("stdout = %q", out)
	}
	errOut, _ := os.ReadFile(filepath.Join(dir, "logs", "worker.stderr.log"))
	if !strings.Contains(string(errOut), "oops") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestTerminate_Graceful(t *testing.T) {
	p, err := Start(Spec{Command: "sleep 30"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := p.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("expected exited")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("SIGTERM should have been enough")
	}
	if Alive(p.PID()) {
		t.Fatalf("pid %d still alive", p.PID())
	}
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	p, err := Start(Spec{Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("expected exited after SIGKILL")
	}
}

func TestPIDFile_AtomicSingleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "worker.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "4242\n" {
		t.Fatalf("content = %q", b)
	}
	pid, err := ReadPIDFile(path)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPIDFile = %d, %v", pid, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestReadPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	_ = os.WriteFile(path, []byte("abc\n"), 0o600)
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatalf("expected error")
	}
	_ = os.WriteFile(path, []byte("-5"), 0o600)
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatalf("expected error for negative pid")
	}
}

func TestSameProcessAndTerminatePID(t *testing.T) {
	p, err := Start(Spec{Command: "sleep 30"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = p.Terminate(time.Second) }()
	var st int64
	if !waitUntil(time.Second, 10*time.Millisecond, func() bool {
		st = StartTimeUnix(p.PID())
		return st > 0
	}) {
		t.Skip("start time unavailable on this platform")
	}
	if !SameProcess(p.PID(), st) {
		t.Fatalf("expected same process")
	}
	if SameProcess(p.PID(), st-3600) {
		t.Fatalf("start time mismatch should not match")
	}
	if !TerminatePID(p.PID(), time.Second) {
		t.Fatalf("TerminatePID failed")
	}
}

func TestBuildCommand(t *testing.T) {
	cases := map[string][]string{
		"sleep 1":             {"sleep", "1"},
		"sh -c 'echo hi'":     {"/bin/sh", "-c", "echo hi"},
		"echo $HOME":          {"/bin/sh", "-c", "echo $HOME"},
		"/usr/bin/env python": {"/usr/bin/env", "python"},
	}
	for in, want := range cases {
		cmd := Spec{Command: in}.BuildCommand()
		if strings.Join(cmd.Args, "|") != strings.Join(want, "|") {
			t.Fatalf("%q: args = %v, want %v", in, cmd.Args, want)
		}
	}
	cmd := Spec{Command: "python3", Args: []string{"-m", "agent"}}.BuildCommand()
	if strings.Join(cmd.Args, " ") != "python3 -m agent" {
		t.Fatalf("args = %v", cmd.Args)
	}
}

func TestUptime(t *testing.T) {
	p, err := Start(Spec{Command: "sleep 0.2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-p.Done()
	up := p.Uptime()
	if up < 150*time.Millisecond || up > 5*time.Second {
		t.Fatalf("uptime = %v", up)
	}
}

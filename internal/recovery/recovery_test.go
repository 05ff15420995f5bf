package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/queue"
)

type memHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memHistory) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func staticDiagnoser(p Proposal, err error) Diagnoser {
	return DiagnoserFunc(func(context.Context, []string) (Proposal, error) { return p, err })
}

func TestResolvePath_RejectsEscapes(t *testing.T) {
	wd := t.TempDir()
	for _, rel := range []string{"../x", "a/../../x", "/etc/passwd", ".", ""} {
		if _, err := ResolvePath(wd, rel); err == nil {
			t.Errorf("ResolvePath(%q) should fail", rel)
		}
	}
	p, err := ResolvePath(wd, "logs/app.lock")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if p != filepath.Join(wd, "logs", "app.lock") {
		t.Fatalf("got %s", p)
	}
}

func TestResolvePath_RejectsSymlinkEscape(t *testing.T) {
	wd := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(wd, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := ResolvePath(wd, "link/victim"); !errors.Is(err, ErrOutsideWorkdir) {
		t.Fatalf("expected ErrOutsideWorkdir, got %v", err)
	}
}

func TestExecute_RefusesSymlinkedTargets(t *testing.T) {
	wd := t.TempDir()
	outside := t.TempDir()
	precious := filepath.Join(outside, "precious.txt")
	if err := os.WriteFile(precious, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(wd, "cache")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if err := os.Symlink(precious, filepath.Join(wd, "app.lock")); err != nil {
		t.Fatal(err)
	}

	if _, err := ResolvePath(wd, "cache"); !errors.Is(err, ErrOutsideWorkdir) {
		t.Fatalf("expected ErrOutsideWorkdir for symlinked dir, got %v", err)
	}
	if _, err := ResolvePath(wd, "cache/new/deeper"); !errors.Is(err, ErrOutsideWorkdir) {
		t.Fatalf("expected ErrOutsideWorkdir below symlinked dir, got %v", err)
	}
	for _, a := range []Action{
		{Type: ActionClearDir, Path: "cache"},
		{Type: ActionSetPermissions, Path: "cache", Mode: "0777"},
		{Type: ActionSetPermissions, Path: "app.lock", Mode: "0666"},
		{Type: ActionCreateDir, Path: "cache/new/deeper"},
	} {
		if res := Execute(wd, a); res.OK {
			t.Fatalf("%s should be refused", a)
		}
	}
	fi, err := os.Stat(precious)
	if err != nil {
		t.Fatalf("file outside workdir was touched: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("outside file mode changed to %v", fi.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(outside, "new")); !os.IsNotExist(err) {
		t.Fatalf("directory created outside workdir: %v", err)
	}

	// remove_file drops the link itself and leaves its target alone.
	if res := Execute(wd, Action{Type: ActionRemoveFile, Path: "app.lock"}); !res.OK || !res.Changed {
		t.Fatalf("remove symlink: %+v", res)
	}
	if _, err := os.Lstat(filepath.Join(wd, "app.lock")); !os.IsNotExist(err) {
		t.Fatalf("symlink still present: %v", err)
	}
	if _, err := os.Stat(precious); err != nil {
		t.Fatalf("symlink target removed: %v", err)
	}
}

func TestResolvePath_AllowsSymlinkInsideWorkdir(t *testing.T) {
	wd := t.TempDir()
	if err := os.MkdirAll(filepath.Join(wd, "data", "cache"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(wd, "data", "cache"), filepath.Join(wd, "cache")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := ResolvePath(wd, "cache"); err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if err := os.Symlink(wd, filepath.Join(wd, "self")); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolvePath(wd, "self"); !errors.Is(err, ErrOutsideWorkdir) {
		t.Fatalf("link to the workdir itself should be refused, got %v", err)
	}
}

func TestExecute_Idempotent(t *testing.T) {
	wd := t.TempDir()
	lock := filepath.Join(wd, "app.lock")
	if err := os.WriteFile(lock, []byte("1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(wd, "cache", "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wd, "cache", "sub", "f"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	actions := []Action{
		{Type: ActionRemoveFile, Path: "app.lock"},
		{Type: ActionCreateDir, Path: "logs/archive"},
		{Type: ActionClearDir, Path: "cache"},
		{Type: ActionSetPermissions, Path: "logs", Mode: "0700"},
		{Type: ActionSetEnv, Key: "HEALTH_PORT", Value: "8089"},
	}
	for _, a := range actions {
		first := Execute(wd, a)
		if !first.OK || !first.Changed {
			t.Fatalf("%s first run: %+v", a, first)
		}
		second := Execute(wd, a)
		if !second.OK || second.Changed {
			t.Fatalf("%s second run should be a no-op: %+v", a, second)
		}
	}

	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Fatalf("lock file still present")
	}
	entries, _ := os.ReadDir(filepath.Join(wd, "cache"))
	if len(entries) != 0 {
		t.Fatalf("cache not cleared: %d entries", len(entries))
	}
	fi, err := os.Stat(filepath.Join(wd, "logs"))
	if err != nil || fi.Mode().Perm() != 0o700 {
		t.Fatalf("logs mode: %v %v", fi, err)
	}
	vars, err := env.ReadDotenv(filepath.Join(wd, ".env"))
	if err != nil || vars["HEALTH_PORT"] != "8089" {
		t.Fatalf("dotenv: %v %v", vars, err)
	}
}

func TestExecute_Errors(t *testing.T) {
	wd := t.TempDir()
	if err := os.Mkdir(filepath.Join(wd, "dir"), 0o750); err != nil {
		t.Fatal(err)
	}
	cases := []Action{
		{Type: "run_shell", Path: "x"},
		{Type: ActionRemoveFile, Path: "dir"},
		{Type: ActionSetPermissions, Path: "missing", Mode: "0644"},
		{Type: ActionSetPermissions, Path: "dir", Mode: "4755"},
		{Type: ActionSetEnv},
		{Type: ActionCreateDir, Path: "../outside"},
	}
	for _, a := range cases {
		if r := Execute(wd, a); r.OK || r.Error == "" {
			t.Errorf("%+v should fail, got %+v", a, r)
		}
	}
}

func TestAllowlist(t *testing.T) {
	al := Allowlist{
		{Type: ActionRemoveFile, Pattern: "*.lock"},
		{Type: ActionClearDir, Pattern: "cache/**"},
		{Type: ActionSetEnv, Pattern: "HEALTH_*"},
	}
	ok := []Action{
		{Type: ActionRemoveFile, Path: "app.lock"},
		{Type: ActionRemoveFile, Path: "./app.lock"},
		{Type: ActionClearDir, Path: "cache"},
		{Type: ActionClearDir, Path: "cache/models/v1"},
		{Type: ActionSetEnv, Key: "HEALTH_PORT", Value: "1"},
	}
	for _, a := range ok {
		if err := al.Check(a); err != nil {
			t.Errorf("%s should be permitted: %v", a, err)
		}
	}
	bad := []Action{
		{Type: ActionRemoveFile, Path: "logs/app.lock"},
		{Type: ActionRemoveFile, Path: "../app.lock"},
		{Type: ActionRemoveFile, Path: "/tmp/app.lock"},
		{Type: ActionClearDir, Path: "cachex"},
		{Type: ActionCreateDir, Path: "cache"},
		{Type: ActionSetEnv, Key: "PATH", Value: "/"},
		{Type: "exec", Path: "app.lock"},
	}
	for _, a := range bad {
		if err := al.Check(a); err == nil {
			t.Errorf("%s should be rejected", a)
		}
	}
	if err := Allowlist(nil).Check(ok[0]); err == nil {
		t.Errorf("empty allowlist must permit nothing")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]bool{
		`{"root_cause":"x"}`:                     true,
		"sure, here you go:\n{\"a\":1}\nthanks": true,
		"```json\n{\"a\":{\"b\":2}}\n```":        true,
		"no json here":                           false,
		"[1,2,3]":                                false,
		"{broken":                                false,
		"":                                       false,
	}
	for in, want := range cases {
		_, err := ExtractJSON(in)
		if (err == nil) != want {
			t.Errorf("ExtractJSON(%q) err=%v want ok=%v", in, err, want)
		}
	}
}

func TestParseProposal_ContentBlocks(t *testing.T) {
	body := `{"content":[{"type":"text","text":"Diagnosis:\n{\"root_cause\":\"stale lock\",\"confidence\":0.8,\"actions\":[{\"type\":\"remove_file\",\"path\":\"app.lock\"}]}"}],"usage":{"input_tokens":10,"output_tokens":5}}`
	p, err := ParseProposal([]byte(body))
	if err != nil {
		t.Fatalf("ParseProposal: %v", err)
	}
	if p.RootCause != "stale lock" || len(p.Actions) != 1 || p.Actions[0].Type != ActionRemoveFile {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if _, err := ParseProposal([]byte(`{"content":[{"type":"text","text":"{}"}]}`)); err == nil {
		t.Fatalf("empty proposal should be an error")
	}
}

func TestRuleDiagnoser(t *testing.T) {
	d := NewRuleDiagnoser()
	p, err := d.Diagnose(context.Background(), []string{
		"starting",
		"fatal: lock file logs/app.lock exists",
		"open logs/out.log: no such file or directory (logs)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.RootCause, "stale lock file") || len(p.Actions) != 2 {
		t.Fatalf("unexpected proposal %+v", p)
	}
	p, _ = d.Diagnose(context.Background(), []string{"all good"})
	if p.RootCause != "heuristic-only" || len(p.Actions) != 0 {
		t.Fatalf("unexpected proposal %+v", p)
	}
}

func TestHTTPDiagnoser_UsesDiagnosisLane(t *testing.T) {
	var lanes []string
	q := queue.New(queue.CallerFunc(func(_ context.Context, payload any) (queue.Response, error) {
		req, ok := payload.(messagesRequest)
		if !ok || !strings.Contains(req.Messages[0].Content, "boom") {
			return queue.Response{}, errors.New("unexpected payload")
		}
		return queue.Response{Status: 200, Body: []byte(`{"root_cause":"boom","actions":[]}`)}, nil
	}), queue.Config{}, queue.WithUsageSink(queue.UsageFunc(func(_ context.Context, r queue.UsageRecord) error {
		lanes = append(lanes, r.Lane)
		return nil
	})))
	d := &HTTPDiagnoser{Queue: q, Model: "test"}
	p, err := d.Diagnose(context.Background(), []string{"boom"})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if p.RootCause != "boom" {
		t.Fatalf("root cause %q", p.RootCause)
	}
	if len(lanes) != 1 || lanes[0] != DiagnosisLane {
		t.Fatalf("lanes %v", lanes)
	}
}

func TestHTTPDiagnoser_IncludesPreflightReport(t *testing.T) {
	var prompt string
	q := queue.New(queue.CallerFunc(func(_ context.Context, payload any) (queue.Response, error) {
		prompt = payload.(messagesRequest).Messages[0].Content
		return queue.Response{Status: 200, Body: []byte(`{"root_cause":"dirs missing","actions":[]}`)}, nil
	}), queue.Config{})
	e := &Engine{Workdir: t.TempDir(), Diagnoser: &HTTPDiagnoser{Queue: q, Model: "test"}}
	a, err := e.Run(context.Background(), Trigger{Name: "agent", Report: "runtime_dirs: failed (create logs: permission denied)"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.DiagnosisText != "dirs missing" {
		t.Fatalf("diagnosis %q", a.DiagnosisText)
	}
	if !strings.Contains(prompt, "Preflight report:") || !strings.Contains(prompt, "create logs: permission denied") {
		t.Fatalf("report missing from prompt:\n%s", prompt)
	}
}

func TestEngine_FiltersDedupesAndExecutes(t *testing.T) {
	wd := t.TempDir()
	if err := os.WriteFile(filepath.Join(wd, "app.lock"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	hist := &memHistory{}
	var gotLogs []string
	e := &Engine{
		Workdir: wd,
		Diagnoser: DiagnoserFunc(func(_ context.Context, logs []string) (Proposal, error) {
			gotLogs = logs
			return Proposal{RootCause: "stale lock", Actions: []Action{
				{Type: ActionRemoveFile, Path: "app.lock"},
				{Type: ActionRemoveFile, Path: "./app.lock"},
				{Type: ActionRemoveFile, Path: "../../etc/passwd"},
				{Type: "shell", Path: "rm -rf /"},
			}}, nil
		}),
		Allowlist: DefaultAllowlist(),
		Logs:      func(n int) []string { return []string{"line", strings.Repeat("x", n)} },
		LogLines:  3,
		History:   hist,
		AutoFix:   true,
		now:       func() time.Time { return time.Unix(100, 0).UTC() },
	}
	a, err := e.Run(context.Background(), Trigger{Name: "agent", ConsecutiveFailures: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gotLogs) != 2 || gotLogs[1] != "xxx" {
		t.Fatalf("logs %v", gotLogs)
	}
	if a.DiagnosisText != "stale lock" || len(a.Proposed) != 3 {
		t.Fatalf("attempt %+v", a)
	}
	if len(a.Executed) != 1 || !a.Executed[0].OK || len(a.Rejections) != 2 {
		t.Fatalf("executed=%+v rejected=%+v", a.Executed, a.Rejections)
	}
	if !a.ActionsOK() {
		t.Fatalf("ActionsOK should be true")
	}
	if _, err := os.Stat(filepath.Join(wd, "app.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock not removed")
	}

	if err := e.Finish(context.Background(), a, true, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := e.Finish(context.Background(), a, false, "again"); !errors.Is(err, ErrFinished) {
		t.Fatalf("second Finish should return ErrFinished, got %v", err)
	}
	if len(hist.events) != 1 {
		t.Fatalf("ledger entries %d", len(hist.events))
	}
	ev := hist.events[0]
	if ev.Type != history.EventRecoveryAttempt || !ev.Success || ev.AttemptCount != 5 {
		t.Fatalf("event %+v", ev)
	}
}

func TestEngine_AutoFixDisabled(t *testing.T) {
	wd := t.TempDir()
	e := &Engine{
		Workdir:   wd,
		Diagnoser: staticDiagnoser(Proposal{Actions: []Action{{Type: ActionCreateDir, Path: "logs"}}}, nil),
		Allowlist: DefaultAllowlist(),
	}
	a, err := e.Run(context.Background(), Trigger{Name: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Executed) != 0 || len(a.Proposed) != 1 {
		t.Fatalf("attempt %+v", a)
	}
	if _, err := os.Stat(filepath.Join(wd, "logs")); !os.IsNotExist(err) {
		t.Fatalf("action must not run without auto-fix")
	}
}

func TestEngine_DiagnoserErrorDegrades(t *testing.T) {
	e := &Engine{
		Workdir:   t.TempDir(),
		Diagnoser: staticDiagnoser(Proposal{}, errors.New("unreachable")),
		Allowlist: DefaultAllowlist(),
		AutoFix:   true,
	}
	a, err := e.Run(context.Background(), Trigger{Name: "agent", Suggested: []Action{{Type: ActionCreateDir, Path: "logs"}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(a.DiagnosisText, "unreachable") {
		t.Fatalf("diagnosis %q", a.DiagnosisText)
	}
	if len(a.Executed) != 1 || !a.Executed[0].OK {
		t.Fatalf("suggested action should still run: %+v", a.Executed)
	}
}

func TestEngine_FailureAlerts(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileAlertSink(filepath.Join(dir, "alerts", "alerts.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var called []Alert
	e := &Engine{
		Workdir:   dir,
		Diagnoser: staticDiagnoser(Proposal{RootCause: "disk full"}, nil),
		Alerts: AlertFunc(func(ctx context.Context, a Alert) error {
			called = append(called, a)
			return sink.Alert(ctx, a)
		}),
	}
	a, err := e.Run(context.Background(), Trigger{Name: "agent", ConsecutiveFailures: 5})
	if err != nil {
		t.Fatal(err)
	}
	err = e.Finish(context.Background(), a, false, "health check failed after recovery")
	if !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("expected ErrRecoveryFailed, got %v", err)
	}
	if len(called) != 1 || called[0].Diagnosis != "disk full" || called[0].Kind != AlertRecoveryFailed {
		t.Fatalf("alerts %+v", called)
	}
	b, err := os.ReadFile(sink.Path())
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("alert lines %d", n)
	}
	if !regexp.MustCompile(`"reason":"health check failed after recovery"`).Match(b) {
		t.Fatalf("alert body %s", b)
	}
}

func TestEngine_AbandonRecordsWithoutAlert(t *testing.T) {
	hist := &memHistory{}
	var alerts int
	e := &Engine{
		Workdir:   t.TempDir(),
		Diagnoser: staticDiagnoser(Proposal{RootCause: "stale lock"}, nil),
		History:   hist,
		Alerts: AlertFunc(func(context.Context, Alert) error {
			alerts++
			return nil
		}),
	}
	a, err := e.Run(context.Background(), Trigger{Name: "agent", ConsecutiveFailures: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Abandon(context.Background(), a, "stopped before recovery outcome"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if alerts != 0 {
		t.Fatalf("abandon raised %d alerts", alerts)
	}
	if len(hist.events) != 1 || hist.events[0].Success {
		t.Fatalf("ledger %+v", hist.events)
	}
	if got := hist.events[0].Detail["outcome"]; got != "abandoned" {
		t.Fatalf("outcome %v", got)
	}
	if err := e.Finish(context.Background(), a, true, ""); !errors.Is(err, ErrFinished) {
		t.Fatalf("Finish after Abandon should return ErrFinished, got %v", err)
	}
}

func TestTailLogs(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.log")
	if err := os.WriteFile(p, []byte("a\nb\nc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got := TailLogs(p)(2)
	if len(got) != 2 || got[1] != "c" {
		t.Fatalf("got %v", got)
	}
}

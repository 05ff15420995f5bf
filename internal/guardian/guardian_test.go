package guardian

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func target(t *testing.T) Target {
	t.Helper()
	return Target{Command: "/bin/true", Workdir: t.TempDir()}
}

func occupy(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_AllOK(t *testing.T) {
	g := &Guardian{Deps: DependencyConfig{Required: []string{"sh"}}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	require.True(t, res.Passed, Report(res))
	names := []string{}
	for _, c := range res.Checks {
		names = append(names, c.Name)
		assert.Equal(t, StatusOK, c.Status, c.Name)
	}
	assert.Equal(t, []string{CheckConfig, CheckRuntimeDirs, CheckPort, CheckDependencies}, names)
}

func TestRun_ConfigIncompleteIsFatal(t *testing.T) {
	g := &Guardian{RequiredEnv: []string{"API_KEY"}}
	tg := target(t)
	tg.Command = ""
	res := g.Run(context.Background(), Input{Target: tg, Env: map[string]string{"API_KEY": " "}})
	require.False(t, res.Passed)
	require.Len(t, res.Checks, 1, "later checks must not run")
	c := res.Checks[0]
	assert.Equal(t, CheckConfig, c.Name)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Contains(t, c.Detail, "command")
	assert.Contains(t, c.Detail, "API_KEY")
}

func TestRun_MissingWorkdirIsFatal(t *testing.T) {
	g := &Guardian{}
	res := g.Run(context.Background(), Input{Target: Target{Command: "x", Workdir: filepath.Join(t.TempDir(), "nope")}})
	assert.False(t, res.Passed)
}

func TestRun_PortConflictAutoFixed(t *testing.T) {
	busy := occupy(t)
	g := &Guardian{Port: PortConfig{
		Port:         busy,
		Env:          "HEALTH_PORT",
		HealthURLEnv: "WATCHDOG_HEALTH_URL",
		HealthURL:    "http://127.0.0.1:" + strconv.Itoa(busy) + "/health",
	}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	require.True(t, res.Passed, Report(res))
	c, ok := res.Check(CheckPort)
	require.True(t, ok)
	assert.Equal(t, StatusAutoFixed, c.Status)
	assert.NotEqual(t, busy, res.Port)
	assert.Greater(t, res.Port, busy)
	assert.Equal(t, strconv.Itoa(res.Port), res.Overrides["HEALTH_PORT"])
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(res.Port)+"/health", res.Overrides["WATCHDOG_HEALTH_URL"])
}

func TestRun_FreePortUntouched(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	g := &Guardian{Port: PortConfig{Port: port, Env: "PORT"}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	c, _ := res.Check(CheckPort)
	assert.Equal(t, StatusOK, c.Status)
	assert.Equal(t, port, res.Port)
	assert.Empty(t, res.Overrides)
}

func TestRun_RequiredDependencyMissing(t *testing.T) {
	g := &Guardian{Deps: DependencyConfig{Required: []string{"definitely-not-a-binary-xyz"}}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	assert.False(t, res.Passed)
	c, _ := res.Check(CheckDependencies)
	assert.Equal(t, StatusFailed, c.Status)
}

func TestRun_OptionalDependencyMissingWarns(t *testing.T) {
	g := &Guardian{Deps: DependencyConfig{Optional: []string{"definitely-not-a-binary-xyz"}}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	assert.True(t, res.Passed)
	c, _ := res.Check(CheckDependencies)
	assert.Equal(t, StatusWarning, c.Status)
	assert.Contains(t, c.Detail, "definitely-not-a-binary-xyz")
}

func TestRun_CheckCommandMissingPackages(t *testing.T) {
	g := &Guardian{Deps: DependencyConfig{CheckCommand: "echo 'Missing packages: foo, bar'; exit 1"}}
	res := g.Run(context.Background(), Input{Target: target(t)})
	assert.True(t, res.Passed)
	c, _ := res.Check(CheckDependencies)
	assert.Equal(t, StatusWarning, c.Status)
	assert.Contains(t, c.Detail, "foo, bar")
}

func TestRun_RuntimeDirsCreated(t *testing.T) {
	tg := target(t)
	g := &Guardian{RuntimeDirs: []string{"logs", "tasks"}}
	res := g.Run(context.Background(), Input{Target: tg})
	require.True(t, res.Passed)
	c, _ := res.Check(CheckRuntimeDirs)
	assert.Equal(t, StatusAutoFixed, c.Status)
	for _, d := range []string{"logs", "tasks"} {
		st, err := os.Stat(filepath.Join(tg.Workdir, d))
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	}
	res = g.Run(context.Background(), Input{Target: tg})
	c, _ = res.Check(CheckRuntimeDirs)
	assert.Equal(t, StatusOK, c.Status)
}

func TestRun_RuntimeDirBlockedByFile(t *testing.T) {
	tg := target(t)
	require.NoError(t, os.WriteFile(filepath.Join(tg.Workdir, "logs"), []byte("x"), 0o600))
	g := &Guardian{RuntimeDirs: []string{"tasks", "logs"}}
	res := g.Run(context.Background(), Input{Target: tg})
	require.False(t, res.Passed)
	c, _ := res.Check(CheckRuntimeDirs)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, []string{"logs"}, c.Paths)
}

func TestParseMissing(t *testing.T) {
	out := "checking...\nMissing packages: requests, httpx \nbye"
	assert.Equal(t, []string{"requests", "httpx"}, ParseMissing(out))
	assert.Nil(t, ParseMissing("all good"))
}

func TestFindFreeNeverBelowFloor(t *testing.T) {
	p := FindFree(context.Background(), "127.0.0.1", 10, 5000)
	if p != 0 {
		assert.GreaterOrEqual(t, p, 1024)
	}
}

func TestReport(t *testing.T) {
	r := Result{Passed: false, Checks: []Check{{Name: CheckConfig, Status: StatusFailed, Detail: "x", Remediation: "y"}}}
	out := Report(r)
	assert.True(t, strings.HasPrefix(out, "preflight FAILED"))
	assert.Contains(t, out, "fix: y")
}

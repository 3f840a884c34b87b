package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/history"
	"github.com/mcpd-dev/mcpd/internal/logger"
)

func newTestSupervisor(t *testing.T, defs ...config.ServerDefinition) *Supervisor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests use unix shell commands")
	}
	m, err := config.LoadManifest(filepath.Join(t.TempDir(), "servers.json"))
	require.NoError(t, err)
	_, err = m.Remove("example")
	require.NoError(t, err)
	for _, def := range defs {
		require.NoError(t, m.Upsert(def))
	}
	sup := New(m, Options{StartGrace: 100 * time.Millisecond, StopWait: 2 * time.Second}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup
}

func sleepDef(id string) config.ServerDefinition {
	return config.ServerDefinition{ID: id, Command: "sleep", Args: []string{"30"}}
}

func TestStartStopLifecycle(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))
	ctx := context.Background()

	res := sup.Start(ctx, "srv")
	require.True(t, res.OK, res.Message)
	assert.Equal(t, CodeOK, res.Code)
	assert.Greater(t, res.PID, 0)

	st := sup.Status("srv")
	assert.True(t, st.Running)
	assert.True(t, st.Exists)
	assert.Equal(t, res.PID, st.PID)

	stop := sup.Stop(ctx, "srv")
	require.True(t, stop.OK, stop.Message)

	st = sup.Status("srv")
	assert.False(t, st.Running, "stopped server must report not running")
	assert.True(t, st.Exists, "definition survives a stop")
}

func TestStartTwiceReportsSamePID(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))
	ctx := context.Background()

	first := sup.Start(ctx, "srv")
	require.True(t, first.OK, first.Message)

	second := sup.Start(ctx, "srv")
	require.True(t, second.OK, "duplicate start is a soft success")
	assert.Equal(t, CodeAlreadyRunning, second.Code)
	assert.Equal(t, first.PID, second.PID)
}

func TestStartUnknownServer(t *testing.T) {
	sup := newTestSupervisor(t)
	res := sup.Start(context.Background(), "ghost")
	assert.False(t, res.OK)
	assert.Equal(t, CodeUnknownServer, res.Code)
}

func TestStopNotRunning(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))
	res := sup.Stop(context.Background(), "srv")
	assert.False(t, res.OK)
	assert.Equal(t, CodeNotRunning, res.Code)
}

func TestStopUnknownServer(t *testing.T) {
	sup := newTestSupervisor(t)
	res := sup.Stop(context.Background(), "ghost")
	assert.False(t, res.OK)
	assert.Equal(t, CodeUnknownServer, res.Code)
}

func TestRestartNeverStartedServer(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))

	res := sup.Restart(context.Background(), "srv")
	require.True(t, res.OK, "restart of a defined, never-started server succeeds: %s", res.Message)
	assert.True(t, sup.Status("srv").Running)
}

func TestRestartReplacesProcess(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))
	ctx := context.Background()

	first := sup.Start(ctx, "srv")
	require.True(t, first.OK, first.Message)

	res := sup.Restart(ctx, "srv")
	require.True(t, res.OK, res.Message)
	assert.NotEqual(t, first.PID, res.PID)
	assert.True(t, sup.Status("srv").Running)
}

func TestStartExitDuringGraceIsLaunchFailure(t *testing.T) {
	sup := newTestSupervisor(t, config.ServerDefinition{
		ID:      "broken",
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	})

	res := sup.Start(context.Background(), "broken")
	assert.False(t, res.OK)
	assert.Equal(t, CodeLaunchFailed, res.Code)
	assert.Contains(t, res.Message, "boom", "stderr tail is surfaced in the failure")
	assert.False(t, sup.Status("broken").Running)
}

func TestStartUnresolvableCommand(t *testing.T) {
	sup := newTestSupervisor(t, config.ServerDefinition{ID: "bad", Command: "no-such-binary-xyzzy"})

	res := sup.Start(context.Background(), "bad")
	assert.False(t, res.OK)
	assert.Equal(t, CodeLaunchFailed, res.Code)
}

func TestStaleHandleReplacedAfterSelfExit(t *testing.T) {
	sup := newTestSupervisor(t, config.ServerDefinition{
		ID:      "shortlived",
		Command: "sh",
		Args:    []string{"-c", "sleep 0.3"},
	})
	ctx := context.Background()

	first := sup.Start(ctx, "shortlived")
	require.True(t, first.OK, first.Message)

	// Wait for the process to exit on its own; the handle goes stale.
	require.Eventually(t, func() bool {
		return !sup.Status("shortlived").Running
	}, 3*time.Second, 20*time.Millisecond)

	second := sup.Start(ctx, "shortlived")
	require.True(t, second.OK, second.Message)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestStartAllStopAll(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("a"), sleepDef("b"))
	ctx := context.Background()

	results := sup.StartAll(ctx)
	require.Len(t, results, 2)
	for id, res := range results {
		assert.True(t, res.OK, "start %s: %s", id, res.Message)
	}
	for _, st := range sup.List() {
		assert.True(t, st.Running, st.ID)
	}

	results = sup.StopAll(ctx)
	for id, res := range results {
		assert.True(t, res.OK, "stop %s: %s", id, res.Message)
	}
	for _, st := range sup.List() {
		assert.False(t, st.Running, st.ID)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	// A process that traps SIGTERM must still be gone once StopWait elapses.
	m, err := config.LoadManifest(filepath.Join(t.TempDir(), "servers.json"))
	require.NoError(t, err)
	require.NoError(t, m.Upsert(config.ServerDefinition{
		ID:      "stubborn",
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; while :; do sleep 1; done"},
	}))
	sup := New(m, Options{StartGrace: 100 * time.Millisecond, StopWait: 300 * time.Millisecond}, nil)
	ctx := context.Background()

	res := sup.Start(ctx, "stubborn")
	require.True(t, res.OK, res.Message)

	begin := time.Now()
	stop := sup.Stop(ctx, "stubborn")
	require.True(t, stop.OK, stop.Message)
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	assert.False(t, sup.Status("stubborn").Running)
}

func TestServerOutputCapturedToLogFiles(t *testing.T) {
	logDir := t.TempDir()
	m, err := config.LoadManifest(filepath.Join(t.TempDir(), "servers.json"))
	require.NoError(t, err)
	require.NoError(t, m.Upsert(config.ServerDefinition{
		ID:      "chatty",
		Command: "sh",
		Args:    []string{"-c", "echo hello-from-child; sleep 30"},
	}))
	sup := New(m, Options{
		StartGrace: 100 * time.Millisecond,
		StopWait:   2 * time.Second,
		ServerLog:  logger.Config{Dir: logDir},
	}, nil)
	ctx := context.Background()

	res := sup.Start(ctx, "chatty")
	require.True(t, res.OK, res.Message)
	sup.Stop(ctx, "chatty")

	b, err := os.ReadFile(filepath.Join(logDir, "chatty.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello-from-child")
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, evt history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) snapshot() []history.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]history.Event(nil), c.events...)
}

func TestLifecycleEventsReachHistorySinks(t *testing.T) {
	sup := newTestSupervisor(t, sleepDef("srv"))
	sink := &captureSink{}
	sup.SetHistorySinks(sink)
	ctx := context.Background()

	require.True(t, sup.Start(ctx, "srv").OK)
	require.True(t, sup.Stop(ctx, "srv").OK)

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, history.EventStart, events[0].Type)
	assert.Equal(t, history.EventStop, events[1].Type)
	assert.Equal(t, "srv", events[0].ServerID)
	assert.Greater(t, events[0].PID, 0)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "TOKEN=old"}
	got := mergeEnv(base, map[string]string{"TOKEN": "new", "EXTRA": "1"})

	joined := strings.Join(got, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.Contains(t, joined, "TOKEN=new")
	assert.Contains(t, joined, "EXTRA=1")
	assert.NotContains(t, joined, "TOKEN=old")

	// No extras: the base environment passes through untouched.
	assert.Equal(t, base, mergeEnv(base, nil))
}

package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/history"
	"github.com/mcpd-dev/mcpd/internal/logger"
	"github.com/mcpd-dev/mcpd/internal/metrics"
)

// Options tunes launch and teardown behavior.
type Options struct {
	// StartGrace is how long a freshly launched process must stay alive
	// before the start is considered successful.
	StartGrace time.Duration
	// StopWait bounds the graceful-termination window before escalating
	// to a kill.
	StopWait time.Duration
	// ServerLog configures per-server rotating output files.
	ServerLog logger.Config
}

func (o Options) withDefaults() Options {
	if o.StartGrace <= 0 {
		o.StartGrace = 2 * time.Second
	}
	if o.StopWait <= 0 {
		o.StopWait = 5 * time.Second
	}
	return o
}

// Supervisor owns the mapping from server id to live process handle and
// drives starts, stops, and restarts against the manifest's definitions.
// Per-id operations are serialized; operations on distinct ids proceed
// concurrently.
type Supervisor struct {
	manifest *config.Manifest
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[string]*managedProcess
	locks map[string]*sync.Mutex

	sinkMu sync.Mutex
	sinks  []history.Sink
}

// New constructs a Supervisor over the given manifest.
func New(manifest *config.Manifest, opts Options, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		manifest: manifest,
		opts:     opts.withDefaults(),
		logger:   log,
		procs:    make(map[string]*managedProcess),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetHistorySinks configures lifecycle-event sinks. Passing none clears them.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.sinkMu.Lock()
	s.sinks = append([]history.Sink(nil), sinks...)
	s.sinkMu.Unlock()
}

// Manifest exposes the backing definition store.
func (s *Supervisor) Manifest() *config.Manifest { return s.manifest }

// UpsertDefinition writes a definition to the manifest, overwriting any
// existing definition with the same id, and persists immediately.
func (s *Supervisor) UpsertDefinition(def config.ServerDefinition) error {
	return s.manifest.Upsert(def)
}

// RemoveDefinition deletes a definition. A running server is not stopped;
// callers must stop it first. Unknown ids report false.
func (s *Supervisor) RemoveDefinition(id string) (bool, error) {
	return s.manifest.Remove(id)
}

// ReplaceDefinitions swaps the entire definition set and persists. Running
// servers whose definitions disappear keep running until stopped.
func (s *Supervisor) ReplaceDefinitions(defs map[string]config.ServerDefinition) error {
	return s.manifest.Replace(defs)
}

// Start launches the server for id unless one is already running, waits the
// grace period, and verifies the process survived it.
func (s *Supervisor) Start(ctx context.Context, id string) Result {
	unlock := s.lockID(id)
	defer unlock()

	def, ok := s.manifest.Get(id)
	if !ok {
		return failResult(CodeUnknownServer, "unknown server: %s", id)
	}
	if mp := s.proc(id); mp != nil {
		if mp.alive() {
			return Result{OK: true, Code: CodeAlreadyRunning, PID: mp.pid(),
				Message: "server " + id + " is already running"}
		}
		// stale handle from a process that exited on its own
		s.removeProc(id, mp)
	}

	path, err := exec.LookPath(def.Command)
	if err != nil {
		return failResult(CodeLaunchFailed, "command %q not resolvable: %v", def.Command, err)
	}
	// #nosec G204 -- command comes from the operator-owned manifest
	cmd := exec.Command(path, def.Args...)
	cmd.Env = mergeEnv(os.Environ(), def.Env)
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failResult(CodeLaunchFailed, "stdout pipe for %s: %v", id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failResult(CodeLaunchFailed, "stderr pipe for %s: %v", id, err)
	}
	outW, errW := s.opts.ServerLog.Writers(id)

	mp, err := spawn(id, cmd, stdout, stderr, outW, errW, s.logger)
	if err != nil {
		metrics.IncLaunchFailure(id)
		return failResult(CodeLaunchFailed, "launch %s: %v", id, err)
	}

	// Grace period: the process must outlive it to count as started. Any
	// exit inside the window is a launch failure, clean exit included; a
	// one-shot command that finishes immediately is not a supervisable
	// server.
	select {
	case <-mp.done:
		metrics.IncLaunchFailure(id)
		msg := "server " + id + " exited during startup"
		if err := mp.exitError(); err != nil {
			msg += ": " + err.Error()
		}
		if tail := mp.stderrTail.Lines(); len(tail) > 0 {
			msg += "; stderr: " + strings.Join(tail, " | ")
		}
		return failResult(CodeLaunchFailed, "%s", msg)
	case <-ctx.Done():
		mp.kill()
		<-mp.done
		return failResult(CodeLaunchFailed, "start of %s canceled: %v", id, ctx.Err())
	case <-time.After(s.opts.StartGrace):
	}

	s.mu.Lock()
	s.procs[id] = mp
	running := len(s.procs)
	s.mu.Unlock()
	metrics.IncStart(id)
	metrics.SetRunning(running)
	s.record(history.Event{Type: history.EventStart, ServerID: id, PID: mp.pid(), OccurredAt: time.Now().UTC()})
	s.logger.Info("server started", "server", id, "pid", mp.pid())
	return okResult(mp.pid(), "started %s (pid %d)", id, mp.pid())
}

// Stop terminates a running server: graceful signal first, then a kill once
// StopWait elapses. The process handle is released unconditionally once exit
// is observed.
func (s *Supervisor) Stop(ctx context.Context, id string) Result {
	unlock := s.lockID(id)
	defer unlock()
	return s.stopLocked(ctx, id)
}

func (s *Supervisor) stopLocked(ctx context.Context, id string) Result {
	mp := s.proc(id)
	if mp == nil || !mp.alive() {
		if mp != nil {
			s.removeProc(id, mp)
		}
		if _, ok := s.manifest.Get(id); !ok {
			return failResult(CodeUnknownServer, "unknown server: %s", id)
		}
		return failResult(CodeNotRunning, "server %s is not running", id)
	}

	pid := mp.pid()
	mp.terminate()
	select {
	case <-mp.done:
	case <-ctx.Done():
		mp.kill()
		<-mp.done
	case <-time.After(s.opts.StopWait):
		s.logger.Warn("graceful stop timed out, killing", "server", id, "pid", pid)
		mp.kill()
		<-mp.done
	}

	s.removeProc(id, mp)
	metrics.IncStop(id)
	evt := history.Event{Type: history.EventStop, ServerID: id, PID: pid, OccurredAt: time.Now().UTC()}
	if err := mp.exitError(); err != nil {
		evt.ExitErr = err.Error()
	}
	s.record(evt)
	s.logger.Info("server stopped", "server", id, "pid", pid)
	return okResult(0, "stopped %s", id)
}

// Restart stops then starts a server. A stop that failed only because the
// server was not running still proceeds to start; any other stop failure
// aborts without starting.
func (s *Supervisor) Restart(ctx context.Context, id string) Result {
	stop := s.Stop(ctx, id)
	if !stop.OK && stop.Code != CodeNotRunning {
		return stop
	}
	return s.Start(ctx, id)
}

// StartAll starts every defined server. One failure does not prevent the
// others from being attempted.
func (s *Supervisor) StartAll(ctx context.Context) map[string]Result {
	out := make(map[string]Result)
	for _, id := range s.manifest.IDs() {
		out[id] = s.Start(ctx, id)
	}
	return out
}

// StopAll stops every defined server.
func (s *Supervisor) StopAll(ctx context.Context) map[string]Result {
	out := make(map[string]Result)
	for _, id := range s.manifest.IDs() {
		out[id] = s.Stop(ctx, id)
	}
	return out
}

// Status reports the runtime state for one id. Exists=false means no
// definition; Running is derived from the live handle, never persisted.
func (s *Supervisor) Status(id string) State {
	_, exists := s.manifest.Get(id)
	st := State{ID: id, Exists: exists}
	if mp := s.proc(id); mp != nil && mp.alive() {
		st.Running = true
		st.PID = mp.pid()
	}
	return st
}

// List returns the runtime state of every defined server, sorted by id.
func (s *Supervisor) List() []State {
	ids := s.manifest.IDs()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Status(id))
	}
	return out
}

// Shutdown stops all running servers concurrently and closes history sinks.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			s.Stop(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	s.sinkMu.Lock()
	sinks := s.sinks
	s.sinks = nil
	s.sinkMu.Unlock()
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			s.logger.Warn("history sink close failed", "error", err)
		}
	}
}

func (s *Supervisor) proc(id string) *managedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

// removeProc releases the handle only if it is still the registered one.
func (s *Supervisor) removeProc(id string, mp *managedProcess) {
	s.mu.Lock()
	if s.procs[id] == mp {
		delete(s.procs, id)
	}
	running := len(s.procs)
	s.mu.Unlock()
	metrics.SetRunning(running)
}

// lockID serializes lifecycle operations per server id.
func (s *Supervisor) lockID(id string) func() {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Supervisor) record(evt history.Event) {
	s.sinkMu.Lock()
	sinks := append([]history.Sink(nil), s.sinks...)
	s.sinkMu.Unlock()
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			s.logger.Warn("history sink send failed", "server", evt.ServerID, "error", err)
		}
	}
}

// mergeEnv overlays def env vars onto the base environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			if _, override := extra[kv[:i]]; override {
				continue
			}
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

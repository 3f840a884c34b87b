package supervisor

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// stderrTailLines is how many recent stderr lines are retained per launch
// for failure diagnostics.
const stderrTailLines = 20

// managedProcess owns one live OS process: the exec handle, the two stream
// reader goroutines, and the waiter that reaps the child. In-memory only;
// at most one exists per server id.
type managedProcess struct {
	id  string
	cmd *exec.Cmd

	done chan struct{} // closed by the waiter after cmd.Wait returns

	mu      sync.Mutex
	exitErr error

	stderrTail *tailBuffer
	readers    sync.WaitGroup
}

// spawn starts cmd and wires the stream readers. stdout/stderr must be the
// command's pipes, obtained before cmd.Start. outW/errW are optional rotating
// file writers; each forwarded line is also logged through log.
func spawn(id string, cmd *exec.Cmd, stdout, stderr io.ReadCloser, outW, errW io.WriteCloser, log *slog.Logger) (*managedProcess, error) {
	if err := cmd.Start(); err != nil {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
		return nil, err
	}
	mp := &managedProcess{
		id:         id,
		cmd:        cmd,
		done:       make(chan struct{}),
		stderrTail: newTailBuffer(stderrTailLines),
	}
	mp.readers.Add(2)
	go mp.readStream(stdout, "stdout", outW, nil, log)
	go mp.readStream(stderr, "stderr", errW, mp.stderrTail, log)
	go mp.wait(outW, errW)
	return mp, nil
}

// readStream drains one output stream line by line until EOF. EOF arrives
// naturally when the child exits; the reader is never cancelled explicitly.
func (mp *managedProcess) readStream(r io.ReadCloser, stream string, w io.WriteCloser, tail *tailBuffer, log *slog.Logger) {
	defer mp.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		log.Info(line, "server", mp.id, "stream", stream)
		if w != nil {
			_, _ = w.Write(append([]byte(line), '\n'))
		}
		if tail != nil {
			tail.Append(line)
		}
	}
}

// wait reaps the child after both readers hit EOF, then closes the writers
// and signals done.
func (mp *managedProcess) wait(outW, errW io.WriteCloser) {
	mp.readers.Wait()
	err := mp.cmd.Wait()
	mp.mu.Lock()
	mp.exitErr = err
	mp.mu.Unlock()
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
	close(mp.done)
}

func (mp *managedProcess) alive() bool {
	select {
	case <-mp.done:
		return false
	default:
		return true
	}
}

func (mp *managedProcess) pid() int {
	if mp.cmd.Process == nil {
		return 0
	}
	return mp.cmd.Process.Pid
}

func (mp *managedProcess) exitError() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.exitErr
}

// tailBuffer keeps the most recent n lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
	t.mu.Unlock()
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

package supervisor

import "fmt"

// Result codes for process-control operations. Soft states (already running,
// not running) are results, not errors; nothing in this package panics or
// returns a raw error across the component boundary.
const (
	CodeOK             = "ok"
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodeUnknownServer  = "unknown_server"
	CodeLaunchFailed   = "launch_failed"
	CodeStopFailed     = "stop_failed"
)

// Result is the outcome of a start/stop/restart operation.
type Result struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
	PID     int    `json:"pid,omitempty"`
}

func okResult(pid int, format string, args ...any) Result {
	return Result{OK: true, Code: CodeOK, Message: fmt.Sprintf(format, args...), PID: pid}
}

func failResult(code, format string, args ...any) Result {
	return Result{OK: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// State is the runtime view of one server id. Exists reports whether a
// definition is known; Running is independent of Exists.
type State struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Exists  bool   `json:"exists"`
}

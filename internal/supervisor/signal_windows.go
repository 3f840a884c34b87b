//go:build windows

package supervisor

// Windows has no SIGTERM for other processes; both paths hard-kill.

func (mp *managedProcess) terminate() {
	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Kill()
	}
}

func (mp *managedProcess) kill() {
	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Kill()
	}
}

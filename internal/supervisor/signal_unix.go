//go:build !windows

package supervisor

import "syscall"

// terminate sends SIGTERM to the child's process group.
func (mp *managedProcess) terminate() {
	if pid := mp.pid(); pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
}

// kill sends SIGKILL to the child's process group.
func (mp *managedProcess) kill() {
	if pid := mp.pid(); pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

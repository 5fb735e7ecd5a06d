//go:build !windows

package vizman

import (
	"os/exec"
	"syscall"
)

// detachProcess помещает сервер в собственную process group,
// чтобы он переживал перезапуск запустившего его сервиса.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess посылает SIGTERM всей группе сервера.
func terminateProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcess посылает SIGKILL всей группе сервера.
func killProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup помещает команду в собственную process group,
// чтобы таймаут убивал и её дочерние процессы.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup убивает всю группу процессов команды.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Отрицательный PGID адресует всю группу (команда + потомки).
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}

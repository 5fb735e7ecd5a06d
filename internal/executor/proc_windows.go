//go:build windows

package executor

import "os/exec"

// setProcessGroup — на Windows process groups в unix-смысле нет.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup убивает процесс команды.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

//go:build windows

package vizman

import (
	"os"
	"os/exec"
)

func detachProcess(cmd *exec.Cmd) {}

// terminateProcess — мягких сигналов на Windows нет, убиваем сразу.
func terminateProcess(pid int) {
	killProcess(pid)
}

func killProcess(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}

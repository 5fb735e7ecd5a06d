//go:build !windows

package liveness

import "syscall"

// PidAlive проверяет по таблице процессов ОС, что процесс существует.
// Сигнал 0 не доставляется — только проверяет право на доставку.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM означает, что процесс есть, но принадлежит другому пользователю.
	return err == syscall.EPERM
}

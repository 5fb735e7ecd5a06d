package vizman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shaiso/Convect/internal/liveness"
	"github.com/shaiso/Convect/internal/storage"
)

// vizLogName — имя лог-файла сервера в директории case.
const vizLogName = "viz-server.log"

// ProcessLauncher запускает viz-серверы как отдельные процессы.
//
// Процесс запускается в собственной process group, его stdout/stderr
// уходят в лог-файл внутри директории case. Порт передаётся через
// аргумент --server-port.
type ProcessLauncher struct {
	// Command — исполняемый файл сервера (например pvserver).
	Command string

	// Args — дополнительные аргументы перед --server-port.
	Args []string

	// Store — хранилище case-директорий.
	Store *storage.CaseStore

	// Logger
	Logger *slog.Logger
}

// Start запускает сервер и возвращает PID.
// Не ждёт готовности порта — это делает Manager.
func (l *ProcessLauncher) Start(ctx context.Context, casePath string, port int) (int, error) {
	dir, err := l.Store.EnsureCaseDir(casePath)
	if err != nil {
		return 0, fmt.Errorf("resolve case dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, vizLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open viz log: %w", err)
	}

	args := make([]string, 0, len(l.Args)+1)
	args = append(args, l.Args...)
	args = append(args, fmt.Sprintf("--server-port=%d", port))

	cmd := exec.Command(l.Command, args...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start %s: %w", l.Command, err)
	}

	pid := cmd.Process.Pid

	// Wait в фоне: без него завершившийся сервер остаётся зомби
	// и PidAlive считает его живым.
	go func() {
		err := cmd.Wait()
		logFile.Close()
		if err != nil && l.Logger != nil {
			l.Logger.Debug("viz server exited",
				"case_path", casePath,
				"pid", pid,
				"error", err,
			)
		}
	}()

	return pid, nil
}

// Stop посылает процессу мягкий сигнал, ждёт grace и добивает
// process group, если процесс всё ещё жив.
func (l *ProcessLauncher) Stop(ctx context.Context, pid int, grace time.Duration) error {
	if !liveness.PidAlive(pid) {
		return nil
	}

	terminateProcess(pid)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !liveness.PidAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			killProcess(pid)
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if liveness.PidAlive(pid) {
		killProcess(pid)
	}
	return nil
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultOutputCap — предел захвата stdout/stderr на поток.
const DefaultOutputCap = 10 * 1024 * 1024

// Spec — параметры запуска одной внешней команды.
type Spec struct {
	// Command — исполняемый файл.
	Command string

	// Args — аргументы.
	Args []string

	// Env — дополнительные переменные окружения (KEY=VALUE),
	// добавляются к окружению процесса.
	Env []string

	// Dir — рабочая директория.
	Dir string

	// Timeout — wall-clock таймаут (0 — без таймаута).
	Timeout time.Duration
}

// Result — результат выполнения команды.
type Result struct {
	// ExitCode — код выхода (-1, если процесс был убит).
	ExitCode int

	// Stdout, Stderr — захваченный вывод (обрезается по OutputCap).
	Stdout string
	Stderr string

	// StdoutTruncated, StderrTruncated — вывод превысил предел захвата.
	StdoutTruncated bool
	StderrTruncated bool

	// Duration — wall-clock время выполнения.
	Duration time.Duration

	// TimedOut — процесс убит по таймауту.
	TimedOut bool

	// Cancelled — процесс убит по отмене контекста.
	Cancelled bool
}

// Success возвращает true при нормальном завершении с нулевым кодом.
func (r *Result) Success() bool {
	return !r.TimedOut && !r.Cancelled && r.ExitCode == 0
}

// Runner выполняет внешние команды в отдельной process group.
//
// При таймауте или отмене убивается вся группа процессов
// (команда вместе с порождёнными ею дочерними процессами).
type Runner struct {
	// OutputCap — предел захвата вывода на поток (default: 10 MB).
	OutputCap int

	// DefaultTimeout — таймаут, если Spec.Timeout не задан.
	DefaultTimeout time.Duration
}

// Run выполняет команду и ждёт завершения.
//
// error возвращается только если процесс не удалось запустить
// (ErrInvalidCommand). Таймаут, отмена и ненулевой код выхода
// отражаются в Result.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cap := r.OutputCap
	if cap <= 0 {
		cap = DefaultOutputCap
	}
	stdout := newCappedBuffer(cap)
	stderr := newCappedBuffer(cap)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var killed bool
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		killed = true
		<-done
	case waitErr = <-done:
	}

	result := &Result{
		ExitCode:        -1,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        time.Since(start),
	}

	if killed {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		} else {
			result.Cancelled = true
		}
		return result, nil
	}

	if waitErr == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("wait command: %w", waitErr)
}

// cappedBuffer — буфер с верхним пределом размера.
// Запись сверх предела отбрасывается, но Write сообщает полный len,
// чтобы не ронять пишущий процесс EPIPE-подобной ошибкой.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
}

func newCappedBuffer(cap int) *cappedBuffer {
	return &cappedBuffer{cap: cap}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.cap - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Package liveness — листовые проверки живости процессов и портов.
//
// Пакет ни от чего не зависит: реестры и репозитории используют его,
// обратных ссылок нет. Статус из хранилища никогда не принимается
// на веру — живость перепроверяется здесь.
package liveness

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialTimeout — таймаут одной попытки соединения с портом.
const dialTimeout = 500 * time.Millisecond

// pollInterval — пауза между попытками в WaitPortReady.
const pollInterval = 200 * time.Millisecond

// PortReady проверяет, что порт принимает TCP-соединения на localhost.
func PortReady(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitPortReady ждёт готовности порта до отмены контекста.
func WaitPortReady(ctx context.Context, port int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if PortReady(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d not ready: %w", port, ctx.Err())
		case <-ticker.C:
		}
	}
}

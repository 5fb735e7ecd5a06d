// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики (convect_*)
//
// Все демоны используют единый формат логирования и экспортируют
// метрики глобального реестра на /metrics endpoint.
package telemetry

// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - job.submitted — новый job ожидает выполнения
//   - job.cancel    — запрос отмены job
//   - job.completed — job достиг терминального статуса
//   - run.pending   — новый scenario run ожидает выполнения
//   - run.decision  — approve/reject/cancel от человека
//
// Exchanges:
//   - convect.jobs — события jobs
//   - convect.runs — события scenario runs
//   - convect.dlq  — dead letter queue
package mq

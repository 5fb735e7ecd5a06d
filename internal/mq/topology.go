package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "convect.jobs"
	ExchangeRuns Exchange = "convect.runs"
	ExchangeDLQ  Exchange = "convect.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsSubmitted Queue = "jobs.submitted"
	QueueJobsCancel    Queue = "jobs.cancel"
	QueueJobsCompleted Queue = "jobs.completed"
	QueueRunsPending   Queue = "runs.pending"
	QueueRunsDecision  Queue = "runs.decision"
	QueueDLQJobs       Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeySubmitted RoutingKey = "submitted"
	RoutingKeyCancel    RoutingKey = "cancel"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyDecision  RoutingKey = "decision"
	RoutingKeyDLQJobs   RoutingKey = "jobs"
)

// binding описывает одну очередь: её обменник, ключ маршрутизации
// и нужна ли ей DLQ.
type binding struct {
	queue    Queue
	exchange Exchange
	key      RoutingKey
	withDLQ  bool
}

// topology — вся схема очередей. Все обменники — direct, все
// очереди durable.
var topology = []binding{
	// jobs.submitted — единственная очередь с DLQ: невалидный
	// payload уходит в dlq.jobs вместо бесконечного requeue
	{QueueJobsSubmitted, ExchangeJobs, RoutingKeySubmitted, true},
	// отмена несуществующего job просто ack'ается
	{QueueJobsCancel, ExchangeJobs, RoutingKeyCancel, false},
	{QueueJobsCompleted, ExchangeJobs, RoutingKeyCompleted, false},
	{QueueRunsPending, ExchangeRuns, RoutingKeyPending, false},
	{QueueRunsDecision, ExchangeRuns, RoutingKeyDecision, false},
	// сама DLQ очередь, разбирается вручную
	{QueueDLQJobs, ExchangeDLQ, RoutingKeyDLQJobs, false},
}

// SetupTopology декларирует обменники, очереди и привязки.
// Идемпотентна: повторный вызов на живом брокере — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeJobs, ExchangeRuns, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		dlqArgs := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}

		for _, b := range topology {
			var args amqp.Table
			if b.withDLQ {
				args = dlqArgs
			}
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Convect RabbitMQ Topology:

    convect.jobs (direct)
    ├── jobs.submitted [routing: submitted]
    │       Consumer: Executor
    │       DLQ: dlq.jobs
    ├── jobs.cancel [routing: cancel]
    │       Consumer: Executor
    └── jobs.completed [routing: completed]
            Consumer: Engine

    convect.runs (direct)
    ├── runs.pending [routing: pending]
    │       Consumer: Engine
    └── runs.decision [routing: decision]
            Consumer: Engine

    convect.dlq (direct)
    └── dlq.jobs [routing: jobs]
            Manual processing
  `
}

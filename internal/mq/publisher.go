package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Convect/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobSubmitted MessageType = "job.submitted"
	MessageTypeJobCancel    MessageType = "job.cancel"
	MessageTypeJobCompleted MessageType = "job.completed"
	MessageTypeRunPending   MessageType = "run.pending"
	MessageTypeRunDecision  MessageType = "run.decision"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobSubmittedPayload — payload для сообщения о новом job.
type JobSubmittedPayload struct {
	JobID    uuid.UUID `json:"job_id"`
	CasePath string    `json:"case_path"`
}

// JobCancelPayload — payload для запроса отмены job.
type JobCancelPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// JobCompletedPayload — payload для сообщения о терминальном статусе job.
type JobCompletedPayload struct {
	JobID    uuid.UUID        `json:"job_id"`
	Kind     domain.JobKind   `json:"kind"`
	CasePath string           `json:"case_path"`
	Status   domain.JobStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
}

// RunPendingPayload — payload для сообщения о новом scenario run.
type RunPendingPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// Decision — решение человека по run на паузе.
type Decision string

// Решения.
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionCancel  Decision = "cancel"
)

// RunDecisionPayload — payload для approve/reject/cancel.
type RunDecisionPayload struct {
	RunID    uuid.UUID `json:"run_id"`
	Decision Decision  `json:"decision"`
	Feedback string    `json:"feedback,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJobSubmitted публикует событие о новом job.
// Потребитель: Executor.
func (p *Publisher) PublishJobSubmitted(ctx context.Context, jobID uuid.UUID, casePath string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobSubmitted,
		Payload:   JobSubmittedPayload{JobID: jobID, CasePath: casePath},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeySubmitted, msg)
}

// PublishJobCancel публикует запрос отмены job.
// Потребитель: Executor.
func (p *Publisher) PublishJobCancel(ctx context.Context, jobID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobCancel,
		Payload:   JobCancelPayload{JobID: jobID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeyCancel, msg)
}

// PublishJobCompleted публикует событие о терминальном статусе job.
// Потребитель: Engine.
func (p *Publisher) PublishJobCompleted(ctx context.Context, payload JobCompletedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobCompleted,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeyCompleted, msg)
}

// PublishRunPending публикует событие о новом scenario run.
// Потребитель: Engine.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunPending,
		Payload:   RunPendingPayload{RunID: runID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishRunDecision публикует решение человека по run.
// Потребитель: Engine.
func (p *Publisher) PublishRunDecision(ctx context.Context, payload RunDecisionPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunDecision,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyDecision, msg)
}

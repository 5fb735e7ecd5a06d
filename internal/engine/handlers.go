package engine

import (
	"context"
	"errors"

	"github.com/shaiso/Convect/internal/mq"
)

// handleRunPending обрабатывает событие о новом run из очереди runs.pending.
func (e *Engine) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse run.pending payload", "error", err)
		return err
	}

	e.logger.Debug("received run.pending event", "run_id", payload.RunID)

	if err := e.claim(ctx, payload.RunID); err != nil {
		// Ожидаемые ситуации — не возвращаем ошибку (ack)
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrRunNotPending) {
			e.logger.Debug("run not claimed", "run_id", payload.RunID, "reason", err)
			return nil
		}
		e.logger.Error("failed to claim run", "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}

// handleRunDecision обрабатывает решение человека из очереди runs.decision.
func (e *Engine) handleRunDecision(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunDecisionPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse run.decision payload", "error", err)
		return err
	}

	e.logger.Debug("received run.decision event",
		"run_id", payload.RunID,
		"decision", payload.Decision,
	)

	if err := e.Decide(ctx, payload); err != nil {
		// Решение по уже завершённому run — ack и забываем
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrRunNotActive) {
			e.logger.Debug("decision not applied", "run_id", payload.RunID, "reason", err)
			return nil
		}
		e.logger.Error("failed to apply decision", "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}

// handleJobCompleted будит агентов, ждущих завершения своих jobs.
func (e *Engine) handleJobCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobCompletedPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse job.completed payload", "error", err)
		return err
	}

	e.logger.Debug("received job.completed event",
		"job_id", payload.JobID,
		"status", payload.Status,
	)
	e.notifyJob(payload)
	return nil
}

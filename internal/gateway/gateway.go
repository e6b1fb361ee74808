// Package gateway implements task submission and status reporting over the
// registry and queue contracts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
	"portfolio-tasks/internal/telemetry"
)

// ErrQueueUnavailable signals that the broker rejected the enqueue. The
// submission is rolled back before this is returned, so no orphaned pending
// record survives.
var ErrQueueUnavailable = errors.New("gateway: queue unavailable")

// ValidationError rejects a submission before any registry or queue
// interaction.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// Gateway accepts units of work, persists an initial record, spools the
// payload, and enqueues an envelope. It never blocks on execution.
type Gateway struct {
	reg        registry.Registry
	q          queue.Queue
	blobs      storage.Store
	maxPayload int64
	logger     *slog.Logger
}

// New constructs a gateway. maxPayload caps accepted payload sizes in bytes.
func New(reg registry.Registry, q queue.Queue, blobs storage.Store, maxPayload int64, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		reg:        reg,
		q:          q,
		blobs:      blobs,
		maxPayload: maxPayload,
		logger:     logger.With("component", "gateway"),
	}
}

// Submit validates the work, allocates a task ID, and makes the task
// durable. It returns the ID immediately; execution happens elsewhere.
//
// The record is created first, then the payload is spooled, then the
// envelope is enqueued. The two stores are not transactional, so a failed
// enqueue compensates by deleting what was just written.
func (g *Gateway) Submit(ctx context.Context, kind models.WorkKind, payload []byte, contentType string) (string, error) {
	if !models.ValidWorkKind(kind) {
		telemetry.ValidationReject.Inc()
		return "", &ValidationError{Reason: fmt.Sprintf("unknown work kind %q", kind)}
	}
	if len(payload) == 0 {
		telemetry.ValidationReject.Inc()
		return "", &ValidationError{Reason: "payload is empty"}
	}
	if int64(len(payload)) > g.maxPayload {
		telemetry.ValidationReject.Inc()
		return "", &ValidationError{Reason: fmt.Sprintf("payload exceeds %d bytes", g.maxPayload)}
	}

	taskID := uuid.New().String()
	now := time.Now().UTC()

	if err := g.reg.Create(ctx, models.TaskRecord{
		TaskID:    taskID,
		Kind:      kind,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("create task record: %w", err)
	}

	payloadKey := storage.PayloadPrefix + taskID
	if err := g.blobs.Put(ctx, payloadKey, payload, contentType); err != nil {
		g.compensate(ctx, taskID, "")
		return "", fmt.Errorf("spool payload: %w", err)
	}

	env := models.JobEnvelope{
		TaskID:      taskID,
		Kind:        kind,
		PayloadRef:  payloadKey,
		PayloadSize: int64(len(payload)),
		SubmittedAt: now,
	}
	if err := g.q.Enqueue(ctx, env); err != nil {
		g.compensate(ctx, taskID, payloadKey)
		g.logger.Error("enqueue failed, submission rolled back", "task_id", taskID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	telemetry.SubmitCounter.WithLabelValues(string(kind)).Inc()
	g.logger.Info("task submitted", "task_id", taskID, "kind", kind, "payload_bytes", len(payload))
	return taskID, nil
}

// compensate undoes a partial submission after a downstream failure. The
// failure may be the request context itself being cancelled, so the deletes
// run detached from it.
func (g *Gateway) compensate(ctx context.Context, taskID, payloadKey string) {
	ctx = context.WithoutCancel(ctx)
	if payloadKey != "" {
		if err := g.blobs.Delete(ctx, payloadKey); err != nil {
			g.logger.Warn("compensation: delete payload failed", "task_id", taskID, "error", err)
		}
	}
	if err := g.reg.Delete(ctx, taskID); err != nil {
		g.logger.Warn("compensation: delete record failed", "task_id", taskID, "error", err)
	}
}

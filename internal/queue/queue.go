// Package queue provides at-least-once delivery of job envelopes between the
// submission gateway and the worker pool. A dequeued envelope is held under a
// lease with an expiry; an envelope whose lease expires before ack becomes
// redeliverable, so duplicate execution of the same task is possible and
// execution functions must tolerate it.
package queue

import (
	"context"
	"errors"
	"time"

	"portfolio-tasks/internal/models"
)

// ErrEmpty is returned by Dequeue when no envelope is ready.
var ErrEmpty = errors.New("queue: empty")

// Lease is the temporary claim a worker holds on a dequeued envelope. It is
// required to ack or nack and is never persisted outside the broker.
type Lease struct {
	TaskID    string
	Token     string
	ExpiresAt time.Time
}

// Queue is the transport contract shared by the Redis broker and the
// in-memory fake used in tests.
type Queue interface {
	// Enqueue makes the envelope available for delivery.
	Enqueue(ctx context.Context, env models.JobEnvelope) error

	// Dequeue claims the next ready envelope under a lease. Returns ErrEmpty
	// when nothing is ready. No ordering is guaranteed across task IDs.
	Dequeue(ctx context.Context) (models.JobEnvelope, Lease, error)

	// Ack releases the lease and drops the envelope permanently.
	Ack(ctx context.Context, lease Lease) error

	// Nack releases the lease and requeues the envelope with its retry count
	// incremented, becoming ready again after delay.
	Nack(ctx context.Context, lease Lease, delay time.Duration) error

	// Depth returns the number of envelopes ready for delivery.
	Depth(ctx context.Context) (int64, error)
}

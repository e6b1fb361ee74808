package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"portfolio-tasks/internal/models"
)

type inflightEntry struct {
	env      models.JobEnvelope
	deadline time.Time
}

type delayedEntry struct {
	env     models.JobEnvelope
	readyAt time.Time
}

// Memory is an in-process queue with the same lease semantics as the Redis
// broker. Used in tests and single-process development.
type Memory struct {
	mu            sync.Mutex
	ready         []models.JobEnvelope
	inflight      map[string]inflightEntry
	delayed       []delayedEntry
	visibilityTTL time.Duration
}

// NewMemory builds an empty in-memory queue.
func NewMemory(visibility time.Duration) *Memory {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		inflight:      make(map[string]inflightEntry),
		visibilityTTL: visibility,
	}
}

func (q *Memory) Enqueue(_ context.Context, env models.JobEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, env)
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (models.JobEnvelope, Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(time.Now())
	if len(q.ready) == 0 {
		return models.JobEnvelope{}, Lease{}, ErrEmpty
	}
	env := q.ready[0]
	q.ready = q.ready[1:]

	raw, err := json.Marshal(env)
	if err != nil {
		return models.JobEnvelope{}, Lease{}, fmt.Errorf("marshal envelope: %w", err)
	}
	deadline := time.Now().Add(q.visibilityTTL)
	token := string(raw)
	q.inflight[token] = inflightEntry{env: env, deadline: deadline}
	return env, Lease{TaskID: env.TaskID, Token: token, ExpiresAt: deadline}, nil
}

func (q *Memory) Ack(_ context.Context, lease Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, lease.Token)
	return nil
}

func (q *Memory) Nack(_ context.Context, lease Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[lease.Token]
	if !ok {
		return nil
	}
	delete(q.inflight, lease.Token)
	env := entry.env
	env.RetryCount++
	if delay > 0 {
		q.delayed = append(q.delayed, delayedEntry{env: env, readyAt: time.Now().Add(delay)})
	} else {
		q.ready = append(q.ready, env)
	}
	return nil
}

func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// ReclaimExpired requeues envelopes with expired leases, bumping retry counts.
func (q *Memory) ReclaimExpired(_ context.Context, now time.Time, _ int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for token, entry := range q.inflight {
		if entry.deadline.After(now) {
			continue
		}
		delete(q.inflight, token)
		env := entry.env
		env.RetryCount++
		q.ready = append(q.ready, env)
		ids = append(ids, env.TaskID)
	}
	return ids, nil
}

// PromoteDelayed moves due delayed envelopes into the ready slice.
func (q *Memory) PromoteDelayed(_ context.Context, now time.Time, _ int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.ready)
	q.promoteLocked(now)
	return len(q.ready) - before, nil
}

// promoteLocked moves due delayed envelopes into the ready slice. Caller
// holds the mutex.
func (q *Memory) promoteLocked(now time.Time) {
	var remaining []delayedEntry
	for _, d := range q.delayed {
		if d.readyAt.After(now) {
			remaining = append(remaining, d)
			continue
		}
		q.ready = append(q.ready, d.env)
	}
	q.delayed = remaining
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/telemetry"
)

// maintainer is the broker-side maintenance surface: promoting delayed
// envelopes and reclaiming expired leases. Both queue implementations
// provide it.
type maintainer interface {
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Pool runs independent worker loops against a shared queue. Each loop is
// single-threaded; scaling means more loops or more processes against the
// same broker. Workers share no mutable state beyond the queue and the
// registry.
type Pool struct {
	cfg       config.Config
	q         queue.Queue
	reg       registry.Registry
	executors map[models.WorkKind]Executor
	logger    *slog.Logger
}

// NewPool constructs a pool. Executors are registered before Run.
func NewPool(cfg config.Config, q queue.Queue, reg registry.Registry, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		q:         q,
		reg:       reg,
		executors: make(map[models.WorkKind]Executor),
		logger:    logger.With("component", "worker"),
	}
}

// Register binds an executor to a work kind.
func (p *Pool) Register(kind models.WorkKind, exec Executor) {
	if kind == "" || exec == nil {
		return
	}
	p.executors[kind] = exec
}

// Run starts the worker loops and the maintenance loop, blocking until the
// context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runLoop(ctx, id)
		}(i)
	}

	if m, ok := p.q.(maintainer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runMaintenance(ctx, m)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// runLoop is one worker: dequeue under lease, execute, write the outcome
// back, acknowledge.
func (p *Pool) runLoop(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, lease, err := p.q.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.process(ctx, logger, env, lease)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, env models.JobEnvelope, lease queue.Lease) {
	rec, err := p.reg.Update(ctx, env.TaskID, models.StateStarted, nil, nil)
	if errors.Is(err, registry.ErrInvalidTransition) {
		rec, err = p.recoverStart(ctx, logger, env)
	}
	if err != nil {
		if !errors.Is(err, errDropEnvelope) {
			logger.Error("registry integrity violation on start", "task_id", env.TaskID, "error", err)
		}
		_ = p.q.Ack(ctx, lease)
		return
	}

	kind := string(env.Kind)
	telemetry.StartCounter.WithLabelValues(kind).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := time.Now()
	outcome := p.execute(ctx, env)
	telemetry.ExecDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())

	if !outcome.failed {
		if _, err := p.reg.Update(ctx, env.TaskID, models.StateSuccess, outcome.result, nil); err != nil {
			logger.Error("record success failed", "task_id", env.TaskID, "error", err)
		}
		_ = p.q.Ack(ctx, lease)
		telemetry.SuccessCounter.WithLabelValues(kind).Inc()
		logger.Info("task succeeded", "task_id", env.TaskID, "kind", kind, "attempt", rec.Attempts, "duration", time.Since(started))
		return
	}

	maxAttempts := p.cfg.MaxRetries + 1
	if outcome.retryable && rec.Attempts < maxAttempts {
		if _, err := p.reg.Update(ctx, env.TaskID, models.StateRetry, nil, outcome.err); err != nil {
			logger.Error("record retry failed", "task_id", env.TaskID, "error", err)
		}
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, rec.Attempts)
		_ = p.q.Nack(ctx, lease, delay)
		telemetry.RetryCounter.WithLabelValues(kind).Inc()
		logger.Warn("task attempt failed, retrying", "task_id", env.TaskID, "kind", kind,
			"attempt", rec.Attempts, "delay", delay, "error", outcome.err.Message)
		return
	}

	if _, err := p.reg.Update(ctx, env.TaskID, models.StateFailure, nil, outcome.err); err != nil {
		logger.Error("record failure failed", "task_id", env.TaskID, "error", err)
	}
	_ = p.q.Ack(ctx, lease)
	telemetry.FailureCounter.WithLabelValues(kind).Inc()
	logger.Error("task failed permanently", "task_id", env.TaskID, "kind", kind,
		"attempts", rec.Attempts, "error", outcome.err.Message)
}

// errDropEnvelope marks a redelivered envelope whose record cannot accept
// another attempt; the caller acks it without executing.
var errDropEnvelope = errors.New("drop redelivered envelope")

// recoverStart handles a redelivered envelope whose record refused the
// started transition. A terminal record means the task already finished and
// the duplicate is dropped. A record stuck in started is an interrupted
// attempt whose lease expired before ack; it is recovered through retry so
// the redelivery can run.
func (p *Pool) recoverStart(ctx context.Context, logger *slog.Logger, env models.JobEnvelope) (models.TaskRecord, error) {
	cur, err := p.reg.Read(ctx, env.TaskID)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("read redelivered task: %w", err)
	}
	if cur.State.Terminal() {
		logger.Warn("dropping re-delivered envelope for finished task", "task_id", env.TaskID, "state", cur.State)
		return models.TaskRecord{}, errDropEnvelope
	}
	if cur.State != models.StateStarted {
		return models.TaskRecord{}, fmt.Errorf("redelivered task in unexpected state %s", cur.State)
	}

	taskErr := &models.TaskError{Kind: "lease_expired", Message: "attempt interrupted before completion"}
	if _, err := p.reg.Update(ctx, env.TaskID, models.StateRetry, nil, taskErr); err != nil {
		// Lost the race against another worker recovering the same task.
		return models.TaskRecord{}, fmt.Errorf("recover interrupted task: %w", err)
	}
	logger.Warn("recovering interrupted attempt", "task_id", env.TaskID, "retry_count", env.RetryCount)
	return p.reg.Update(ctx, env.TaskID, models.StateStarted, nil, nil)
}

func (p *Pool) execute(ctx context.Context, env models.JobEnvelope) Outcome {
	exec, ok := p.executors[env.Kind]
	if !ok {
		return Fatal("unregistered_kind", fmt.Errorf("no executor registered for kind %q", env.Kind))
	}
	return exec.Execute(ctx, env)
}

// runMaintenance periodically reclaims expired leases, promotes delayed
// envelopes, and samples queue depth. One maintenance loop per process is
// enough; the operations are idempotent across processes.
func (p *Pool) runMaintenance(ctx context.Context, m maintainer) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := m.PromoteDelayed(ctx, now, 100); err != nil {
			p.logger.Error("promote delayed failed", "error", err)
		}
		if ids, err := m.ReclaimExpired(ctx, now, 100); err != nil {
			p.logger.Error("reclaim expired failed", "error", err)
		} else if len(ids) > 0 {
			p.logger.Warn("reclaimed expired leases", "task_ids", ids)
			p.resetReclaimed(ctx, ids)
		}
		if depth, err := p.q.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// resetReclaimed moves records of reclaimed envelopes out of started so the
// redelivery can transition into started again. Records the crashed worker
// never started, or that another worker already reset, are left alone.
func (p *Pool) resetReclaimed(ctx context.Context, ids []string) {
	taskErr := &models.TaskError{Kind: "lease_expired", Message: "attempt interrupted before completion"}
	for _, id := range ids {
		_, err := p.reg.Update(ctx, id, models.StateRetry, nil, taskErr)
		if err != nil && !errors.Is(err, registry.ErrInvalidTransition) && !errors.Is(err, registry.ErrNotFound) {
			p.logger.Error("reset reclaimed task failed", "task_id", id, "error", err)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// backoffWithJitter grows exponentially from base, capped at max, with a
// half-window of jitter to spread retries.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

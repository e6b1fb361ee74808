package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/registry"
)

func testPoolConfig() config.Config {
	return config.Config{
		WorkerCount:    2,
		PollInterval:   2 * time.Millisecond,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func submitTask(t *testing.T, reg registry.Registry, q queue.Queue, id string, kind models.WorkKind) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := reg.Create(ctx, models.TaskRecord{
		TaskID: id, Kind: kind, State: models.StatePending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := q.Enqueue(ctx, models.JobEnvelope{TaskID: id, Kind: kind, SubmittedAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func awaitTerminal(t *testing.T, reg registry.Registry, id string) models.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := reg.Read(context.Background(), id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if rec.State.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return models.TaskRecord{}
}

func TestPool_SuccessFirstTry(t *testing.T) {
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)
	pool := NewPool(testPoolConfig(), q, reg, nil)

	result := json.RawMessage(`{"answer":"go"}`)
	pool.Register(models.KindRAGQuery, ExecutorFunc(func(context.Context, models.JobEnvelope) Outcome {
		return Success(result)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	submitTask(t, reg, q, "task-1", models.KindRAGQuery)
	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateSuccess {
		t.Fatalf("expected success, got %s (error=%+v)", rec.State, rec.Error)
	}
	if string(rec.Result) != string(result) {
		t.Fatalf("result mismatch: %s", rec.Result)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", rec.Attempts)
	}
}

func TestPool_ExhaustsRetriesThenFails(t *testing.T) {
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)
	pool := NewPool(testPoolConfig(), q, reg, nil)

	executions := make(chan string, 16)
	pool.Register(models.KindImageProcessing, ExecutorFunc(func(_ context.Context, env models.JobEnvelope) Outcome {
		executions <- env.TaskID
		return Retryable("exec", errors.New("model crashed"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	submitTask(t, reg, q, "task-1", models.KindImageProcessing)
	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateFailure {
		t.Fatalf("expected failure, got %s", rec.State)
	}
	// max-retries=3 means exactly 4 attempts.
	if rec.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", rec.Attempts)
	}
	if got := len(executions); got != 4 {
		t.Fatalf("executor invoked %d times, want 4", got)
	}
	if rec.Error == nil || rec.Error.Message != "model crashed" {
		t.Fatalf("stored error missing: %+v", rec.Error)
	}
}

func TestPool_FatalSkipsRetries(t *testing.T) {
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)
	pool := NewPool(testPoolConfig(), q, reg, nil)

	pool.Register(models.KindImageProcessing, ExecutorFunc(func(context.Context, models.JobEnvelope) Outcome {
		return Fatal("decode", errors.New("not an image"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	submitTask(t, reg, q, "task-1", models.KindImageProcessing)
	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateFailure {
		t.Fatalf("expected failure, got %s", rec.State)
	}
	if rec.Attempts != 1 {
		t.Fatalf("fatal outcome should not retry, got %d attempts", rec.Attempts)
	}
}

func TestPool_UnregisteredKindFails(t *testing.T) {
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)
	pool := NewPool(testPoolConfig(), q, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	submitTask(t, reg, q, "task-1", models.KindRAGQuery)
	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateFailure {
		t.Fatalf("expected failure for unregistered kind, got %s", rec.State)
	}
	if rec.Error == nil || rec.Error.Kind != "unregistered_kind" {
		t.Fatalf("unexpected error: %+v", rec.Error)
	}
}

func TestPool_RedeliveryAfterWorkerCrash(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Millisecond)

	// A worker claimed the lease and recorded the start, then died before
	// acking. The record is stuck in started and the lease is expiring.
	submitTask(t, reg, q, "task-1", models.KindRAGQuery)
	if _, _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("claim lease: %v", err)
	}
	if _, err := reg.Update(ctx, "task-1", models.StateStarted, nil, nil); err != nil {
		t.Fatalf("record start: %v", err)
	}

	pool := NewPool(testPoolConfig(), q, reg, nil)
	pool.Register(models.KindRAGQuery, ExecutorFunc(func(context.Context, models.JobEnvelope) Outcome {
		return Success(json.RawMessage(`{"answer":"recovered"}`))
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(runCtx); close(done) }()

	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateSuccess {
		t.Fatalf("reclaimed task never finished: state=%s error=%+v", rec.State, rec.Error)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected interrupted attempt plus redelivery, got %d attempts", rec.Attempts)
	}
}

func TestPool_RecoversInterruptedAttemptOnRedelivery(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)

	// The envelope was reclaimed by another process: the record is still in
	// started but the redelivery arrives on the ready list.
	submitTask(t, reg, q, "task-1", models.KindRAGQuery)
	env, _, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("claim lease: %v", err)
	}
	if _, err := reg.Update(ctx, "task-1", models.StateStarted, nil, nil); err != nil {
		t.Fatalf("record start: %v", err)
	}
	env.RetryCount++
	if err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	pool := NewPool(testPoolConfig(), q, reg, nil)
	pool.Register(models.KindRAGQuery, ExecutorFunc(func(context.Context, models.JobEnvelope) Outcome {
		return Success(json.RawMessage(`{"answer":"recovered"}`))
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(runCtx); close(done) }()

	rec := awaitTerminal(t, reg, "task-1")
	cancel()
	<-done

	if rec.State != models.StateSuccess {
		t.Fatalf("interrupted task never finished: state=%s error=%+v", rec.State, rec.Error)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected interrupted attempt plus redelivery, got %d attempts", rec.Attempts)
	}
}

func TestPool_DropsDuplicateForFinishedTask(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	q := queue.NewMemory(time.Minute)

	submitTask(t, reg, q, "task-1", models.KindRAGQuery)
	for _, state := range []models.State{models.StateStarted, models.StateSuccess} {
		if _, err := reg.Update(ctx, "task-1", state, nil, nil); err != nil {
			t.Fatalf("finish task: %v", err)
		}
	}

	executions := make(chan string, 1)
	pool := NewPool(testPoolConfig(), q, reg, nil)
	pool.Register(models.KindRAGQuery, ExecutorFunc(func(_ context.Context, env models.JobEnvelope) Outcome {
		executions <- env.TaskID
		return Success(nil)
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pool.Run(runCtx); close(done) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if depth, _ := q.Depth(ctx); depth == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if len(executions) != 0 {
		t.Fatalf("duplicate envelope for finished task was executed")
	}
	rec, err := reg.Read(ctx, "task-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.State != models.StateSuccess || rec.Attempts != 1 {
		t.Fatalf("finished record mutated by duplicate: %+v", rec)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded cap: %s", b10)
	}
}

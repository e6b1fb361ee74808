package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
)

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, models.JobEnvelope) error {
	return errors.New("broker down")
}
func (failingQueue) Dequeue(context.Context) (models.JobEnvelope, queue.Lease, error) {
	return models.JobEnvelope{}, queue.Lease{}, queue.ErrEmpty
}
func (failingQueue) Ack(context.Context, queue.Lease) error {
	return nil
}

func (failingQueue) Nack(context.Context, queue.Lease, time.Duration) error {
	return nil
}

func (failingQueue) Depth(context.Context) (int64, error) {
	return 0, nil
}

func newTestGateway(t *testing.T, q queue.Queue) (*Gateway, *registry.Memory, *storage.Local) {
	t.Helper()
	reg := registry.NewMemory()
	blobs := storage.NewLocal(t.TempDir())
	return New(reg, q, blobs, 1024, nil), reg, blobs
}

func TestSubmit_Success(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(time.Minute)
	gw, reg, blobs := newTestGateway(t, q)

	taskID, err := gw.Submit(ctx, models.KindRAGQuery, []byte(`{"query":"skills"}`), "application/json")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec, err := reg.Read(ctx, taskID)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.State != models.StatePending {
		t.Fatalf("expected pending, got %s", rec.State)
	}

	env, _, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("envelope not enqueued: %v", err)
	}
	if env.TaskID != taskID || env.Kind != models.KindRAGQuery {
		t.Fatalf("wrong envelope: %+v", env)
	}

	payload, err := blobs.Get(ctx, env.PayloadRef)
	if err != nil {
		t.Fatalf("payload not spooled: %v", err)
	}
	if string(payload) != `{"query":"skills"}` {
		t.Fatalf("payload corrupted: %s", payload)
	}
}

func TestSubmit_ValidationLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(time.Minute)
	gw, _, blobs := newTestGateway(t, q)

	cases := []struct {
		name    string
		kind    models.WorkKind
		payload []byte
	}{
		{"unknown kind", "transcode-video", []byte("x")},
		{"empty payload", models.KindRAGQuery, nil},
		{"oversized payload", models.KindRAGQuery, make([]byte, 2048)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gw.Submit(ctx, tc.kind, tc.payload, "application/octet-stream")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}

			if depth, _ := q.Depth(ctx); depth != 0 {
				t.Fatalf("validation failure enqueued an envelope")
			}
			keys, _ := blobs.List(ctx, storage.PayloadPrefix)
			if len(keys) != 0 {
				t.Fatalf("validation failure spooled a payload: %v", keys)
			}
		})
	}
}

// recordingRegistry captures the IDs passed to Create so tests can inspect
// records whose IDs the gateway generated.
type recordingRegistry struct {
	*registry.Memory
	created []string
}

func (r *recordingRegistry) Create(ctx context.Context, rec models.TaskRecord) error {
	r.created = append(r.created, rec.TaskID)
	return r.Memory.Create(ctx, rec)
}

func TestSubmit_QueueUnavailableRollsBack(t *testing.T) {
	ctx := context.Background()
	reg := &recordingRegistry{Memory: registry.NewMemory()}
	blobs := storage.NewLocal(t.TempDir())
	gw := New(reg, failingQueue{}, blobs, 1024, nil)

	_, err := gw.Submit(ctx, models.KindRAGQuery, []byte(`{"query":"x"}`), "application/json")
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	// Compensation must leave neither a pending record nor a spooled payload.
	if len(reg.created) != 1 {
		t.Fatalf("expected exactly one create, got %d", len(reg.created))
	}
	if _, err := reg.Read(ctx, reg.created[0]); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("pending record survived rollback: %v", err)
	}
	keys, _ := blobs.List(ctx, storage.PayloadPrefix)
	if len(keys) != 0 {
		t.Fatalf("orphaned payload after rollback: %v", keys)
	}
}

// cancelingQueue cancels the request context before failing the enqueue,
// mimicking a submit that times out against a dead broker.
type cancelingQueue struct {
	failingQueue
	cancel context.CancelFunc
}

func (q cancelingQueue) Enqueue(context.Context, models.JobEnvelope) error {
	q.cancel()
	return errors.New("broker timeout")
}

// ctxRegistry refuses writes on a dead context, like the Postgres store.
type ctxRegistry struct {
	*registry.Memory
	created []string
}

func (r *ctxRegistry) Create(ctx context.Context, rec models.TaskRecord) error {
	r.created = append(r.created, rec.TaskID)
	return r.Memory.Create(ctx, rec)
}

func (r *ctxRegistry) Delete(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.Delete(ctx, taskID)
}

func TestSubmit_RollbackSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := &ctxRegistry{Memory: registry.NewMemory()}
	blobs := storage.NewLocal(t.TempDir())
	gw := New(reg, cancelingQueue{cancel: cancel}, blobs, 1024, nil)

	_, err := gw.Submit(ctx, models.KindRAGQuery, []byte(`{"query":"x"}`), "application/json")
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	if len(reg.created) != 1 {
		t.Fatalf("expected exactly one create, got %d", len(reg.created))
	}
	if _, err := reg.Read(context.Background(), reg.created[0]); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("orphaned record survived rollback: %v", err)
	}
	keys, _ := blobs.List(context.Background(), storage.PayloadPrefix)
	if len(keys) != 0 {
		t.Fatalf("orphaned payload after rollback: %v", keys)
	}
}

func TestSubmit_ConcurrentSubmissionsGetDistinctIDs(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newTestGateway(t, queue.NewMemory(time.Minute))

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := gw.Submit(ctx, models.KindRAGQuery, []byte(`{"query":"x"}`), "application/json")
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = true
	}
}

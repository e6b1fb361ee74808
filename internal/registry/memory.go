package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"portfolio-tasks/internal/models"
)

// Memory keeps task records in a map guarded by a mutex. It enforces the
// same state machine as the Postgres store and backs tests and
// single-process development.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]models.TaskRecord
}

// NewMemory builds an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]models.TaskRecord)}
}

func (m *Memory) Create(_ context.Context, rec models.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[rec.TaskID]; ok {
		return ErrDuplicateTask
	}
	m.tasks[rec.TaskID] = rec
	return nil
}

func (m *Memory) Read(_ context.Context, taskID string) (models.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Update(_ context.Context, taskID string, state models.State, result json.RawMessage, taskErr *models.TaskError) (models.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	if !models.CanTransition(rec.State, state) {
		return models.TaskRecord{}, ErrInvalidTransition
	}
	rec.State = state
	if state == models.StateStarted {
		rec.Attempts++
	}
	if result != nil {
		rec.Result = result
	}
	rec.Error = taskErr
	rec.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = rec
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *Memory) TerminalBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.tasks {
		if rec.State.Terminal() && rec.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Package registry tracks one TaskRecord per task ID for its whole lifetime.
// Records move through the task state machine and become immutable once
// terminal, except for deletion by the retention cleanup job.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"portfolio-tasks/internal/models"
)

var (
	// ErrDuplicateTask is returned by Create when the task ID already exists.
	ErrDuplicateTask = errors.New("registry: duplicate task id")

	// ErrNotFound is returned when no record exists for the task ID.
	ErrNotFound = errors.New("registry: task not found")

	// ErrInvalidTransition is returned by Update when the requested state
	// change violates the task state machine, including any write against a
	// terminal record.
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)

// Registry is the keyed store contract shared by the Postgres implementation
// and the in-memory fake. Implementations serialize same-key writes and keep
// distinct keys isolated under concurrent access.
type Registry interface {
	// Create inserts a new record. The record's state must be pending.
	Create(ctx context.Context, rec models.TaskRecord) error

	// Read returns the current record for the task ID.
	Read(ctx context.Context, taskID string) (models.TaskRecord, error)

	// Update transitions the record to state, storing result on success and
	// err on retry/failure. A transition into started increments Attempts.
	// Returns the record after the write.
	Update(ctx context.Context, taskID string, state models.State, result json.RawMessage, taskErr *models.TaskError) (models.TaskRecord, error)

	// Delete removes the record entirely. Missing IDs are not an error.
	Delete(ctx context.Context, taskID string) error

	// TerminalBefore lists IDs of terminal records last updated before cutoff.
	TerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// transitionSources maps a target state to the states it may be entered from.
var transitionSources = map[models.State][]models.State{
	models.StateStarted: {models.StatePending, models.StateRetry},
	models.StateSuccess: {models.StateStarted},
	models.StateRetry:   {models.StateStarted},
	models.StateFailure: {models.StateStarted},
}

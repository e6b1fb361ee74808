package gateway

import (
	"context"
	"encoding/json"

	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/registry"
)

// Status is the caller-facing view of a task. In-progress tasks carry no
// result; a failed task carries the stored error instead.
type Status struct {
	TaskID   string            `json:"task_id"`
	State    models.State      `json:"state"`
	Done     bool              `json:"done"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    *models.TaskError `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
}

// Reporter is a read-only facade over the registry.
type Reporter struct {
	reg registry.Registry
}

// NewReporter builds a reporter over the registry.
func NewReporter(reg registry.Registry) *Reporter {
	return &Reporter{reg: reg}
}

// Status resolves a task ID to its current state. Unknown IDs surface
// registry.ErrNotFound.
func (r *Reporter) Status(ctx context.Context, taskID string) (Status, error) {
	rec, err := r.reg.Read(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TaskID:   rec.TaskID,
		State:    rec.State,
		Done:     rec.State.Terminal(),
		Attempts: rec.Attempts,
	}
	switch rec.State {
	case models.StateSuccess:
		st.Result = rec.Result
	case models.StateFailure:
		st.Error = rec.Error
	}
	return st, nil
}

package worker

import (
	"context"
	"encoding/json"

	"portfolio-tasks/internal/models"
)

// Outcome is the explicit result of one execution attempt. The worker loop
// branches purely on this value; executors never touch the registry or the
// queue themselves.
type Outcome struct {
	result    json.RawMessage
	err       *models.TaskError
	retryable bool
	failed    bool
}

// Success reports a completed attempt carrying the execution output.
func Success(result json.RawMessage) Outcome {
	return Outcome{result: result}
}

// Retryable reports a failure worth re-attempting, such as a transient
// storage or network error.
func Retryable(kind string, err error) Outcome {
	return Outcome{
		err:       &models.TaskError{Kind: kind, Message: err.Error()},
		retryable: true,
		failed:    true,
	}
}

// Fatal reports a failure that re-running cannot fix, such as an undecodable
// payload. The worker terminates the task without consuming further attempts.
func Fatal(kind string, err error) Outcome {
	return Outcome{
		err:    &models.TaskError{Kind: kind, Message: err.Error()},
		failed: true,
	}
}

// Executor runs one kind of work. Delivery is at-least-once, so Execute must
// tolerate being invoked more than once for the same payload.
type Executor interface {
	Execute(ctx context.Context, env models.JobEnvelope) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, env models.JobEnvelope) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, env models.JobEnvelope) Outcome {
	return f(ctx, env)
}

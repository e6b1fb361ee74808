package models

import (
	"encoding/json"
	"time"
)

// State enumerates task lifecycle states persisted in the registry.
type State string

const (
	StatePending State = "pending"
	StateStarted State = "started"
	StateRetry   State = "retry"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// allowedTransitions is the task state machine. Every execution passes
// through started; retry loops back through started on redelivery.
var allowedTransitions = map[State][]State{
	StatePending: {StateStarted},
	StateStarted: {StateSuccess, StateRetry, StateFailure},
	StateRetry:   {StateStarted},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkKind selects which execution function a job envelope is dispatched to.
type WorkKind string

const (
	KindImageProcessing WorkKind = "image-processing"
	KindRAGQuery        WorkKind = "rag-query"
	KindCleanup         WorkKind = "cleanup"
)

// ValidWorkKind reports whether k names a registered kind of work.
func ValidWorkKind(k WorkKind) bool {
	switch k {
	case KindImageProcessing, KindRAGQuery, KindCleanup:
		return true
	}
	return false
}

// TaskError captures a classified execution failure for the registry.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobEnvelope is the serialized unit of work placed on the queue. Immutable
// once enqueued except for RetryCount, which increments on re-delivery.
type JobEnvelope struct {
	TaskID      string    `json:"task_id"`
	Kind        WorkKind  `json:"kind"`
	PayloadRef  string    `json:"payload_ref"`
	PayloadSize int64     `json:"payload_size"`
	SubmittedAt time.Time `json:"submitted_at"`
	RetryCount  int       `json:"retry_count"`
}

// TaskRecord is the registry entry tracking a job's lifecycle and outcome.
// It is owned exclusively by the registry; workers mutate it only through
// the registry's update operation.
type TaskRecord struct {
	TaskID    string          `json:"task_id"`
	Kind      WorkKind        `json:"kind"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

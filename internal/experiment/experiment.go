// Package experiment records one completed run row per execution attempt so
// inference work stays auditable after the fact. Recording is best-effort:
// a failed write is logged and never fails or blocks the task.
package experiment

import (
	"context"
	"time"
)

// Run summarizes a single executed attempt.
type Run struct {
	TaskID       string
	Kind         string
	InputSummary string
	Duration     time.Duration
	Outcome      string
}

// Sink receives completed run records.
type Sink interface {
	Record(ctx context.Context, run Run)
}

// Nop discards all runs. Used when no tracking backend is configured.
type Nop struct{}

func (Nop) Record(context.Context, Run) {}

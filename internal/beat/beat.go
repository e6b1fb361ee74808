// Package beat emits recurring maintenance work into the task queue on a
// fixed cadence. It owns no execution machinery: the cleanup task it submits
// travels the same gateway, queue, and worker path as any other submission.
package beat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"portfolio-tasks/internal/gateway"
	"portfolio-tasks/internal/models"
)

// Beat periodically submits a cleanup task.
type Beat struct {
	gw       *gateway.Gateway
	interval time.Duration
	logger   *slog.Logger
}

// New builds a beat with the given cadence.
func New(gw *gateway.Gateway, interval time.Duration, logger *slog.Logger) *Beat {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beat{gw: gw, interval: interval, logger: logger.With("component", "beat")}
}

// Run submits one cleanup task per tick until the context is cancelled.
func (b *Beat) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("beat started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			b.emit(ctx, t)
		}
	}
}

func (b *Beat) emit(ctx context.Context, t time.Time) {
	payload, _ := json.Marshal(map[string]string{
		"requested_by": "beat",
		"scheduled_at": t.UTC().Format(time.RFC3339),
	})
	taskID, err := b.gw.Submit(ctx, models.KindCleanup, payload, "application/json")
	if err != nil {
		b.logger.Error("submit cleanup failed", "error", err)
		return
	}
	b.logger.Info("cleanup scheduled", "task_id", taskID)
}

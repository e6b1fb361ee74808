package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
)

// CleanupExecutor removes terminal task records past the retention window
// along with their blobs, and prunes orphaned payload blobs with no live
// record. It rides the same queue and worker path as every other kind.
type CleanupExecutor struct {
	reg       registry.Registry
	blobs     storage.Store
	retention time.Duration
	logger    *slog.Logger
}

// CleanupResult is the stored task result of a cleanup pass.
type CleanupResult struct {
	DeletedRecords  int `json:"deleted_records"`
	DeletedPayloads int `json:"deleted_payloads"`
}

// NewCleanupExecutor builds the executor with the given retention window.
func NewCleanupExecutor(reg registry.Registry, blobs storage.Store, retention time.Duration, logger *slog.Logger) *CleanupExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &CleanupExecutor{
		reg:       reg,
		blobs:     blobs,
		retention: retention,
		logger:    logger.With("component", "cleanup"),
	}
}

// Execute is idempotent: deleting an already-deleted record or blob is a
// no-op, so duplicate delivery just repeats harmless work.
func (e *CleanupExecutor) Execute(ctx context.Context, env models.JobEnvelope) Outcome {
	cutoff := time.Now().Add(-e.retention)

	ids, err := e.reg.TerminalBefore(ctx, cutoff)
	if err != nil {
		return Retryable("registry_scan", fmt.Errorf("list expired records: %w", err))
	}

	deletedRecords := 0
	for _, id := range ids {
		if err := e.reg.Delete(ctx, id); err != nil {
			e.logger.Warn("delete expired record failed", "task_id", id, "error", err)
			continue
		}
		deletedRecords++
		// Blobs belonging to the record go with it. The result artifact
		// extension is unknown here, so try the known encodings.
		_ = e.blobs.Delete(ctx, storage.PayloadPrefix+id)
		_ = e.blobs.Delete(ctx, storage.ResultPrefix+id+".jpg")
		_ = e.blobs.Delete(ctx, storage.ResultPrefix+id+".png")
	}

	deletedPayloads, err := e.pruneOrphans(ctx)
	if err != nil {
		return Retryable("orphan_scan", err)
	}

	raw, err := json.Marshal(CleanupResult{DeletedRecords: deletedRecords, DeletedPayloads: deletedPayloads})
	if err != nil {
		return Fatal("result_encode", fmt.Errorf("marshal result: %w", err))
	}
	e.logger.Info("cleanup pass finished", "task_id", env.TaskID,
		"deleted_records", deletedRecords, "deleted_payloads", deletedPayloads)
	return Success(raw)
}

// pruneOrphans deletes payload blobs whose task record no longer exists.
func (e *CleanupExecutor) pruneOrphans(ctx context.Context) (int, error) {
	keys, err := e.blobs.List(ctx, storage.PayloadPrefix)
	if err != nil {
		return 0, fmt.Errorf("list payload blobs: %w", err)
	}
	deleted := 0
	for _, key := range keys {
		taskID := strings.TrimPrefix(key, storage.PayloadPrefix)
		if taskID == "" || taskID == key {
			continue
		}
		if _, err := e.reg.Read(ctx, taskID); err == nil {
			continue
		} else if !errors.Is(err, registry.ErrNotFound) {
			return deleted, fmt.Errorf("read record %s: %w", taskID, err)
		}
		if err := e.blobs.Delete(ctx, key); err != nil {
			e.logger.Warn("delete orphan payload failed", "key", key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

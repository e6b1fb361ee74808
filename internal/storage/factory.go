package storage

import (
	"context"

	"portfolio-tasks/internal/config"
)

// FromConfig selects the blob backend: S3 when a bucket is configured,
// otherwise the local spool directory.
func FromConfig(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewLocal(cfg.SpoolDir), nil
}

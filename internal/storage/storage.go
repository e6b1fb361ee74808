// Package storage holds opaque task payloads and result artifacts. The
// gateway spools submitted payloads under payloads/<task-id>; executors read
// them back and write processed artifacts under results/. The cleanup job
// prunes payload blobs whose task record is gone.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("storage: blob not found")

const (
	// PayloadPrefix is where the gateway spools submitted payloads. The key
	// suffix is the task ID, which is what the cleanup orphan scan relies on.
	PayloadPrefix = "payloads/"

	// ResultPrefix is where executors place processed artifacts.
	ResultPrefix = "results/"
)

// Store is a flat blob store keyed by slash-separated paths.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

package experiment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS experiment_runs (
	id            BIGSERIAL PRIMARY KEY,
	task_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	input_summary TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL,
	outcome       TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Postgres appends run rows to the experiment_runs table, sharing the
// registry's connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres builds a sink over an existing pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger.With("component", "experiment")}
}

// Migrate creates the experiment_runs table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, runsSchema); err != nil {
		return fmt.Errorf("migrate experiment_runs: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, run Run) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO experiment_runs (task_id, kind, input_summary, duration_ms, outcome)
		VALUES ($1, $2, $3, $4, $5)
	`, run.TaskID, run.Kind, run.InputSummary, run.Duration.Milliseconds(), run.Outcome)
	if err != nil {
		p.logger.Warn("record run failed", "task_id", run.TaskID, "error", err)
	}
}

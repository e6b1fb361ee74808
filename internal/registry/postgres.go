package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"portfolio-tasks/internal/models"
)

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	result        JSONB,
	error_kind    TEXT,
	error_message TEXT,
	attempts      INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_updated_idx ON tasks (status, updated_at);
`

// Postgres persists task records in a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the tasks table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, tasksSchema); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the underlying pool for sibling stores sharing the database.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Create(ctx context.Context, rec models.TaskRecord) error {
	var resultJSON any
	if rec.Result != nil {
		resultJSON = []byte(rec.Result)
	}
	var errKind, errMsg *string
	if rec.Error != nil {
		errKind, errMsg = &rec.Error.Kind, &rec.Error.Message
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, status, result, error_kind, error_message, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.TaskID, rec.Kind, rec.State, resultJSON, errKind, errMsg, rec.Attempts, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *Postgres) Read(ctx context.Context, taskID string) (models.TaskRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, kind, status, result, error_kind, error_message, attempts, created_at, updated_at
		FROM tasks WHERE id = $1
	`, taskID)
	return scanTask(row)
}

func (p *Postgres) Update(ctx context.Context, taskID string, state models.State, result json.RawMessage, taskErr *models.TaskError) (models.TaskRecord, error) {
	sources, ok := transitionSources[state]
	if !ok {
		return models.TaskRecord{}, ErrInvalidTransition
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	var resultJSON any
	if result != nil {
		resultJSON = []byte(result)
	}
	var errKind, errMsg *string
	if taskErr != nil {
		errKind, errMsg = &taskErr.Kind, &taskErr.Message
	}
	attemptBump := 0
	if state == models.StateStarted {
		attemptBump = 1
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2,
		    attempts = attempts + $3,
		    result = COALESCE($4, result),
		    error_kind = $5,
		    error_message = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)
		RETURNING id, kind, status, result, error_kind, error_message, attempts, created_at, updated_at
	`, taskID, state, attemptBump, resultJSON, errKind, errMsg, from)

	rec, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish an unknown task from an illegal transition.
		if _, readErr := p.Read(ctx, taskID); errors.Is(readErr, ErrNotFound) {
			return models.TaskRecord{}, ErrNotFound
		}
		return models.TaskRecord{}, ErrInvalidTransition
	}
	return rec, err
}

func (p *Postgres) Delete(ctx context.Context, taskID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (p *Postgres) TerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM tasks WHERE status = ANY($1) AND updated_at < $2
	`, []string{string(models.StateSuccess), string(models.StateFailure)}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list terminal tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.TaskRecord, error) {
	var rec models.TaskRecord
	var resultJSON []byte
	var errKind, errMsg pgtype.Text

	err := row.Scan(&rec.TaskID, &rec.Kind, &rec.State, &resultJSON, &errKind, &errMsg, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("scan task: %w", err)
	}
	if resultJSON != nil {
		rec.Result = json.RawMessage(resultJSON)
	}
	if errKind.Valid {
		rec.Error = &models.TaskError{Kind: errKind.String, Message: errMsg.String}
	}
	return rec, nil
}

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrNotFound indicates the task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyClaimed indicates another worker won the PENDING->RUNNING claim.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrNotRunning indicates a terminal transition was attempted on a task
	// that is not RUNNING.
	ErrNotRunning = errors.New("task is not running")
)

// Repository is the task persistence surface.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)
	// Claim atomically advances PENDING -> RUNNING. Exactly one caller
	// succeeds for any task; the rest get ErrAlreadyClaimed.
	Claim(ctx context.Context, id uuid.UUID) error
	MarkSuccess(ctx context.Context, id uuid.UUID, resultLocation string) error
	MarkFailure(ctx context.Context, id uuid.UUID, errorDetail string) error
	List(ctx context.Context, limit int) ([]*Task, error)
}

// DB is the database handle interface, satisfied by *sql.DB and *sql.Tx.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SQLRepository persists tasks via database/sql. The same statements run on
// Postgres (lib/pq) and SQLite (mattn/go-sqlite3).
type SQLRepository struct {
	db DB
}

// NewSQLRepository creates a task repository on the given handle.
func NewSQLRepository(db DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Migrate creates the tasks table if it does not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			supplier_group  TEXT NOT NULL,
			items_json      TEXT NOT NULL,
			result_location TEXT,
			error_detail    TEXT,
			created_at      TIMESTAMP NOT NULL,
			started_at      TIMESTAMP,
			completed_at    TIMESTAMP
		)
	`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// Create inserts a new task. Status defaults to PENDING.
func (r *SQLRepository) Create(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	items, err := json.Marshal(t.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	const query = `
		INSERT INTO tasks (id, status, supplier_group, items_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.db.ExecContext(ctx, query,
		t.ID.String(), string(t.Status), t.SupplierGroup, string(items), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by id.
func (r *SQLRepository) GetByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	const query = `
		SELECT id, status, supplier_group, items_json, result_location,
		       error_detail, created_at, started_at, completed_at
		FROM tasks WHERE id = $1
	`
	t, err := scanTask(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Claim performs the atomic PENDING -> RUNNING compare-and-set.
func (r *SQLRepository) Claim(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE tasks SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query,
		string(StatusRunning), time.Now().UTC(), id.String(), string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a lost race from a missing task.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

// MarkSuccess transitions RUNNING -> SUCCESS and records the result location.
func (r *SQLRepository) MarkSuccess(ctx context.Context, id uuid.UUID, resultLocation string) error {
	return r.finish(ctx, id, StatusSuccess, "result_location", resultLocation)
}

// MarkFailure transitions RUNNING -> FAILURE and records the error detail.
func (r *SQLRepository) MarkFailure(ctx context.Context, id uuid.UUID, errorDetail string) error {
	return r.finish(ctx, id, StatusFailure, "error_detail", errorDetail)
}

func (r *SQLRepository) finish(ctx context.Context, id uuid.UUID, status Status, column, value string) error {
	query := fmt.Sprintf(`
		UPDATE tasks SET status = $1, %s = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, column)
	res, err := r.db.ExecContext(ctx, query,
		string(status), value, time.Now().UTC(), id.String(), string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish task rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// List returns the most recent tasks, newest first.
func (r *SQLRepository) List(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, status, supplier_group, items_json, result_location,
		       error_detail, created_at, started_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		rawID       string
		rawStatus   string
		rawItems    string
		resultLoc   sql.NullString
		errorDetail sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&rawID, &rawStatus, &t.SupplierGroup, &rawItems,
		&resultLoc, &errorDetail, &t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	t.ID = id
	t.Status = Status(rawStatus)

	if err := json.Unmarshal([]byte(rawItems), &t.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}

	if resultLoc.Valid {
		t.ResultLocation = resultLoc.String
	}
	if errorDetail.Valid {
		t.ErrorDetail = errorDetail.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

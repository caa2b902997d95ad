package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

var taskEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // ULID entropy does not need crypto randomness.

// NewTaskID returns a fresh ULID. Task ids sort lexicographically by creation
// time, which the recent-tasks listing relies on.
func NewTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), taskEntropy).String()
}

const taskColumns = `id, owner_kind, owner_id, tool_slug, input_params, status, progress,
	output_data, error_message, attempts_made, parent_task_id, idempotency_key,
	created_at, started_at, completed_at, updated_at`

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = NewTaskID()
	}
	now := time.Now().UTC()
	q := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := r.Pool.Exec(ctx, q, id, t.OwnerKind, t.OwnerID, t.ToolSlug, t.InputParams,
		t.Status, t.Progress, t.OutputData, t.ErrorMessage, t.AttemptsMade,
		t.ParentTaskID, t.IdempotencyKey, now, t.StartedAt, t.CompletedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=task.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// FindByIdempotencyKey loads the task, live or terminal, registered under the
// (owner, tool, key) triple.
func (r *TaskRepo) FindByIdempotencyKey(ctx domain.Context, ownerID, toolSlug, key string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id=$1 AND tool_slug=$2 AND idempotency_key=$3 LIMIT 1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, ownerID, toolSlug, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.find_idem: %w", err)
	}
	return t, nil
}

// MarkProcessing transitions pending->processing. Terminal rows are left
// untouched and returned as stored, so a redelivered job cannot revive a
// finished task.
func (r *TaskRepo) MarkProcessing(ctx domain.Context, id string, startedAt time.Time) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkProcessing")
	defer span.End()
	q := `UPDATE tasks SET status=$2, progress=0, started_at=COALESCE(started_at,$3), updated_at=$3
		WHERE id=$1 AND status NOT IN ('success','failed')`
	if _, err := r.Pool.Exec(ctx, q, id, domain.TaskProcessing, startedAt.UTC()); err != nil {
		return domain.Task{}, fmt.Errorf("op=task.mark_processing: %w", err)
	}
	return r.Get(ctx, id)
}

// UpdateProgress persists progress for a processing task. Regressions and
// terminal rows are filtered in SQL so concurrent stale writers lose.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id string, progress int) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateProgress")
	defer span.End()
	q := `UPDATE tasks SET progress=$2, updated_at=$3
		WHERE id=$1 AND status='processing' AND progress <= $2`
	if _, err := r.Pool.Exec(ctx, q, id, domain.ClampProgress(progress), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=task.update_progress: %w", err)
	}
	return nil
}

// MarkSuccess writes output data together with the terminal transition. The
// progress bus publish happens-after this write.
func (r *TaskRepo) MarkSuccess(ctx domain.Context, id string, output json.RawMessage, completedAt time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkSuccess")
	defer span.End()
	q := `UPDATE tasks SET status='success', progress=100, output_data=$2, error_message='',
		completed_at=$3, updated_at=$3
		WHERE id=$1 AND status NOT IN ('success','failed')`
	if _, err := r.Pool.Exec(ctx, q, id, output, completedAt.UTC()); err != nil {
		return fmt.Errorf("op=task.mark_success: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failure with the last error attached.
func (r *TaskRepo) MarkFailed(ctx domain.Context, id string, errMsg string, attemptsMade int, completedAt time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkFailed")
	defer span.End()
	q := `UPDATE tasks SET status='failed', error_message=$2, attempts_made=$3,
		completed_at=$4, updated_at=$4
		WHERE id=$1 AND status NOT IN ('success','failed')`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg, attemptsMade, completedAt.UTC()); err != nil {
		return fmt.Errorf("op=task.mark_failed: %w", err)
	}
	return nil
}

// ListRecent returns recent tasks for an owner, newest first.
func (r *TaskRepo) ListRecent(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListRecent")
	defer span.End()
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_kind=$1 AND owner_id=$2`
	args := []any{f.OwnerKind, f.OwnerID}
	if f.ToolSlug != "" {
		args = append(args, f.ToolSlug)
		q += fmt.Sprintf(" AND tool_slug=$%d", len(args))
	}
	if f.RootOnly {
		q += " AND parent_task_id IS NULL"
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_recent: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChildren returns the child tasks of a parent ordered by creation.
func (r *TaskRepo) ListChildren(ctx domain.Context, parentID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListChildren")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE parent_task_id=$1 ORDER BY id ASC`
	rows, err := r.Pool.Query(ctx, q, parentID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_children: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListPendingOlderThan returns pending tasks created before the cutoff.
func (r *TaskRepo) ListPendingOlderThan(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListPendingOlderThan")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status='pending' AND created_at < $1 ORDER BY id ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_pending: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.OwnerKind, &t.OwnerID, &t.ToolSlug, &t.InputParams,
		&t.Status, &t.Progress, &t.OutputData, &t.ErrorMessage, &t.AttemptsMade,
		&t.ParentTaskID, &t.IdempotencyKey, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt)
	return t, err
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	out := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

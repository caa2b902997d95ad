package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService deletes terminal tasks and their ledger rows once they age
// past the retention window. DLQ entries live in Redis and are not touched
// here; they are retained until an operator clears them.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with a default 90 day retention.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal tasks older than the retention period along
// with their ledger rows, in one transaction.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Tasks still referenced as parents are retained, and so are their ledger
	// rows: all three deletes scope to the same id set.
	const expired = `SELECT id FROM tasks WHERE completed_at < $1 AND status IN ('success','failed')
		AND id NOT IN (SELECT parent_task_id FROM tasks WHERE parent_task_id IS NOT NULL)`
	for _, q := range []string{
		`DELETE FROM usage_logs WHERE task_id IN (` + expired + `)`,
		`DELETE FROM task_responses WHERE task_id IN (` + expired + `)`,
		`DELETE FROM tasks WHERE id IN (` + expired + `)`,
	} {
		if _, err := tx.Exec(ctx, q, cutoff); err != nil {
			return fmt.Errorf("op=cleanup.exec: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}
	return nil
}

// RunPeriodic runs cleanup on the given interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("cleanup run failed", slog.Any("error", err))
			}
		}
	}
}

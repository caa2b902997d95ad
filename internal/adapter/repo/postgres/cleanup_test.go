package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cleanupTx struct {
	pgx.Tx
	sqls      []string
	args      [][]any
	committed bool
	rollbacks int
}

func (t *cleanupTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.sqls = append(t.sqls, sql)
	t.args = append(t.args, args)
	return pgconn.CommandTag{}, nil
}

func (t *cleanupTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *cleanupTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}

type cleanupPool struct {
	PgxPool
	tx *cleanupTx
}

func (p *cleanupPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return p.tx, nil
}

func TestCleanupScopesLedgerToDeletedTasks(t *testing.T) {
	tx := &cleanupTx{}
	svc := NewCleanupService(&cleanupPool{tx: tx}, 30)

	require.NoError(t, svc.CleanupOldData(context.Background()))
	require.Len(t, tx.sqls, 3)
	assert.True(t, tx.committed)

	// Retained parents keep their ledger rows: every delete carries the same
	// parent-reference guard as the task delete.
	for _, q := range tx.sqls {
		assert.Contains(t, q, "status IN ('success','failed')", q)
		assert.Contains(t, q, "NOT IN (SELECT parent_task_id FROM tasks", q)
	}
	assert.Contains(t, tx.sqls[0], "DELETE FROM usage_logs")
	assert.Contains(t, tx.sqls[1], "DELETE FROM task_responses")
	assert.Contains(t, tx.sqls[2], "DELETE FROM tasks")

	// One cutoff argument per statement, derived from the retention window.
	for _, args := range tx.args {
		require.Len(t, args, 1)
		cutoff, ok := args[0].(time.Time)
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), cutoff, time.Minute)
	}
}

func TestNewCleanupServiceDefaultsRetention(t *testing.T) {
	svc := NewCleanupService(nil, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

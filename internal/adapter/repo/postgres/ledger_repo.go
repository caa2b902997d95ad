package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// LedgerRepo appends usage and response rows. Rows are never updated.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// AppendResponse inserts one task_responses row.
func (r *LedgerRepo) AppendResponse(ctx domain.Context, tr domain.TaskResponse) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.AppendResponse")
	defer span.End()
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	q := `INSERT INTO task_responses (id, task_id, step_name, provider, model, raw_request, raw_response, latency_ms, status_code, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, tr.ID, tr.TaskID, tr.StepName, tr.Provider, tr.Model,
		tr.RawRequest, tr.RawResponse, tr.LatencyMs, tr.StatusCode, tr.ErrorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.append_response: %w", err)
	}
	return nil
}

// AppendUsage inserts one usage_logs row.
func (r *LedgerRepo) AppendUsage(ctx domain.Context, u domain.UsageLog) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.AppendUsage")
	defer span.End()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	q := `INSERT INTO usage_logs (id, task_id, owner_id, provider_slug, tool_id, model_name, model_version, price_config, usage_data, latency_ms, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, u.ID, u.TaskID, u.OwnerID, u.ProviderSlug, u.ToolID,
		u.ModelName, u.ModelVersion, u.PriceConfig, u.UsageData, u.LatencyMs, u.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.append_usage: %w", err)
	}
	return nil
}

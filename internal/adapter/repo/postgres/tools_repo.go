package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// ToolRepo loads the tool catalog.
type ToolRepo struct{ Pool PgxPool }

// NewToolRepo constructs a ToolRepo with the given pool.
func NewToolRepo(p PgxPool) *ToolRepo { return &ToolRepo{Pool: p} }

// GetBySlug loads one active tool by slug.
func (r *ToolRepo) GetBySlug(ctx domain.Context, slug string) (domain.Tool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.GetBySlug")
	defer span.End()
	q := `SELECT id, slug, tool_type, config_json, price_config, active FROM tools WHERE slug=$1`
	t, err := scanTool(r.Pool.QueryRow(ctx, q, slug))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tool{}, fmt.Errorf("op=tool.get: %w", domain.ErrUnknownTool)
		}
		return domain.Tool{}, fmt.Errorf("op=tool.get: %w", err)
	}
	return t, nil
}

// GetByID loads one tool by catalog id.
func (r *ToolRepo) GetByID(ctx domain.Context, id string) (domain.Tool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.GetByID")
	defer span.End()
	q := `SELECT id, slug, tool_type, config_json, price_config, active FROM tools WHERE id=$1`
	t, err := scanTool(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tool{}, fmt.Errorf("op=tool.get_by_id: %w", domain.ErrUnknownTool)
		}
		return domain.Tool{}, fmt.Errorf("op=tool.get_by_id: %w", err)
	}
	return t, nil
}

// List returns the full catalog.
func (r *ToolRepo) List(ctx domain.Context) ([]domain.Tool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, slug, tool_type, config_json, price_config, active FROM tools ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("op=tool.list: %w", err)
	}
	defer rows.Close()
	out := []domain.Tool{}
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tool.scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tool.rows: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a catalog entry; used by seeding.
func (r *ToolRepo) Upsert(ctx domain.Context, t domain.Tool) error {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.Upsert")
	defer span.End()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("op=tool.upsert: %w", err)
	}
	q := `INSERT INTO tools (id, slug, tool_type, config_json, price_config, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (slug) DO UPDATE SET tool_type=$3, config_json=$4, price_config=$5, active=$6, updated_at=$7`
	if _, err := r.Pool.Exec(ctx, q, t.ID, t.Slug, t.ToolType, cfg, t.PriceConfig, t.Active, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=tool.upsert: %w", err)
	}
	return nil
}

func scanTool(row rowScanner) (domain.Tool, error) {
	var t domain.Tool
	var cfg json.RawMessage
	if err := row.Scan(&t.ID, &t.Slug, &t.ToolType, &cfg, &t.PriceConfig, &t.Active); err != nil {
		return domain.Tool{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return domain.Tool{}, fmt.Errorf("config_json: %w", err)
		}
	}
	return t, nil
}

package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// ProviderRepo loads provider catalog rows. The user and admin catalogs are
// disjoint partitions of the same table.
type ProviderRepo struct{ Pool PgxPool }

// NewProviderRepo constructs a ProviderRepo with the given pool.
func NewProviderRepo(p PgxPool) *ProviderRepo { return &ProviderRepo{Pool: p} }

// GetBySlug loads one active provider from the given catalog.
func (r *ProviderRepo) GetBySlug(ctx domain.Context, catalog domain.ProviderCatalog, slug string) (domain.Provider, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.GetBySlug")
	defer span.End()
	q := `SELECT id, slug, catalog, credential, config_json, active FROM providers WHERE catalog=$1 AND slug=$2`
	row := r.Pool.QueryRow(ctx, q, catalog, slug)
	var p domain.Provider
	if err := row.Scan(&p.ID, &p.Slug, &p.Catalog, &p.Credential, &p.ConfigJSON, &p.Active); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Provider{}, fmt.Errorf("op=provider.get: %w", domain.ErrProviderNotFound)
		}
		return domain.Provider{}, fmt.Errorf("op=provider.get: %w", err)
	}
	if !p.Active {
		return domain.Provider{}, fmt.Errorf("op=provider.get: inactive: %w", domain.ErrProviderNotFound)
	}
	return p, nil
}

// ListActive returns all active providers in a catalog; the registry uses it
// to warm its credential cache.
func (r *ProviderRepo) ListActive(ctx domain.Context, catalog domain.ProviderCatalog) ([]domain.Provider, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.ListActive")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, slug, catalog, credential, config_json, active FROM providers WHERE catalog=$1 AND active`, catalog)
	if err != nil {
		return nil, fmt.Errorf("op=provider.list: %w", err)
	}
	defer rows.Close()
	out := []domain.Provider{}
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Slug, &p.Catalog, &p.Credential, &p.ConfigJSON, &p.Active); err != nil {
			return nil, fmt.Errorf("op=provider.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=provider.rows: %w", err)
	}
	return out, nil
}

// Package registry resolves provider credentials for tool handlers. The
// catalog (user vs admin) is fixed at worker start from the queue prefix, so a
// mis-routed job can never spend the other pool's credits.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// Registry caches decoded credentials per slug with a short TTL. The cache is
// copy-on-refresh: readers always see a complete snapshot, and credential
// rotation takes effect within one TTL (or on worker restart).
type Registry struct {
	repo    domain.ProviderRepository
	catalog domain.ProviderCatalog
	ttl     time.Duration

	mu      sync.RWMutex
	cache   map[string]domain.Credentials
	expires time.Time
}

// New builds a registry bound to one catalog.
func New(repo domain.ProviderRepository, catalog domain.ProviderCatalog, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{repo: repo, catalog: catalog, ttl: ttl}
}

// Credentials resolves decoded credentials by provider slug.
// ErrProviderNotFound and ErrProviderNoAPIKey are fatal to the attempt.
func (r *Registry) Credentials(ctx domain.Context, slug string) (domain.Credentials, error) {
	if c, ok := r.fromCache(slug); ok {
		return c, nil
	}
	if err := r.refresh(ctx); err != nil {
		return domain.Credentials{}, err
	}
	c, ok := r.fromCache(slug)
	if !ok {
		return domain.Credentials{}, fmt.Errorf("op=registry.credentials: %s/%s: %w", r.catalog, slug, domain.ErrProviderNotFound)
	}
	return c, nil
}

func (r *Registry) fromCache(slug string) (domain.Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cache == nil || time.Now().After(r.expires) {
		return domain.Credentials{}, false
	}
	c, ok := r.cache[slug]
	return c, ok
}

// refresh loads the whole catalog and swaps the snapshot in one write.
func (r *Registry) refresh(ctx domain.Context) error {
	providers, err := r.repo.ListActive(ctx, r.catalog)
	if err != nil {
		return fmt.Errorf("op=registry.refresh: %w", err)
	}
	next := make(map[string]domain.Credentials, len(providers))
	for _, p := range providers {
		var c domain.Credentials
		if len(p.Credential) > 0 {
			if err := json.Unmarshal(p.Credential, &c); err != nil {
				return fmt.Errorf("op=registry.refresh: %s credential: %w", p.Slug, err)
			}
		}
		next[p.Slug] = c
	}
	r.mu.Lock()
	r.cache = next
	r.expires = time.Now().Add(r.ttl)
	r.mu.Unlock()
	return nil
}

// RequireAPIKey returns the credentials or ErrProviderNoAPIKey when the blob
// carries no API key material.
func RequireAPIKey(c domain.Credentials, slug string) (domain.Credentials, error) {
	if c.APIKey == "" && c.AccessKeyID == "" {
		return domain.Credentials{}, fmt.Errorf("op=registry.require_key: %s: %w", slug, domain.ErrProviderNoAPIKey)
	}
	return c, nil
}

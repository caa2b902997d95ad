package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

type seedFile struct {
	Tools []seedTool `yaml:"tools"`
}

type seedTool struct {
	Slug     string         `yaml:"slug"`
	ToolType string         `yaml:"tool_type"`
	Active   *bool          `yaml:"active"`
	Price    map[string]any `yaml:"price_config"`
	Params   map[string]any `yaml:"params"`
	Steps    []seedStep     `yaml:"steps"`
}

type seedStep struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Params   map[string]any `yaml:"params"`
}

// SeedTools upserts the tool catalog from a YAML file. Existing rows keep
// their ids; config changes apply to newly intaken tasks only, since intake
// snapshots the config into the job payload.
func SeedTools(ctx domain.Context, path string, tools domain.ToolRepository) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=app.seed_tools: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("op=app.seed_tools: %w", err)
	}
	for _, st := range f.Tools {
		if st.Slug == "" {
			return fmt.Errorf("op=app.seed_tools: tool with empty slug")
		}
		t := domain.Tool{
			ID:       uuid.NewString(),
			Slug:     st.Slug,
			ToolType: st.ToolType,
			Active:   st.Active == nil || *st.Active,
			Config:   domain.ToolConfig{Params: st.Params},
		}
		for _, ss := range st.Steps {
			t.Config.Steps = append(t.Config.Steps, domain.ToolStep{
				Name:     ss.Name,
				Provider: ss.Provider,
				Model:    ss.Model,
				Params:   ss.Params,
			})
		}
		if len(st.Price) > 0 {
			pc, err := json.Marshal(st.Price)
			if err != nil {
				return fmt.Errorf("op=app.seed_tools: %s price config: %w", st.Slug, err)
			}
			t.PriceConfig = pc
		}
		if err := tools.Upsert(ctx, t); err != nil {
			return fmt.Errorf("op=app.seed_tools: %s: %w", st.Slug, err)
		}
		slog.Info("seeded tool", slog.String("slug", st.Slug))
	}
	return nil
}

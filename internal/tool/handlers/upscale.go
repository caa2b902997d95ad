package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/falai"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

const defaultUpscaleModel = "fal-ai/esrgan"

type upscaleParams struct {
	ImageURL string `json:"imageUrl"`
	Scale    int    `json:"scale,omitempty"`
}

// Upscale enlarges one image by the requested factor (default 2x).
func Upscale(timeout time.Duration) tool.Handler {
	return tool.Handler{Kind: tool.Single, Run: func(ctx context.Context, tc *tool.Context) (tool.Output, error) {
		var p upscaleParams
		if err := tc.BindParams(&p); err != nil {
			return tool.Output{}, err
		}
		if p.ImageURL == "" {
			return tool.Output{}, fmt.Errorf("%w: imageUrl is required", domain.ErrInvalidArgument)
		}
		if p.Scale < 0 || p.Scale > 8 {
			return tool.Output{}, fmt.Errorf("%w: scale must be in 1..8", domain.ErrInvalidArgument)
		}
		if p.Scale == 0 {
			p.Scale = 2
		}

		step := firstStep(tc, falai.Slug)
		model := step.Model
		if model == "" {
			model = defaultUpscaleModel
		}
		client, err := falaiClient(ctx, tc, step)
		if err != nil {
			return tool.Output{}, err
		}

		tc.Progress(5)
		input := mergeParams(step, map[string]any{
			"image_url": signInput(tc, p.ImageURL),
			"scale":     p.Scale,
		})
		res, err := client.Run(ctx, model, input, timeout, func(pct int) {
			tc.Progress(tool.MapRange(pct, 5, 80))
		})
		recordCall(ctx, tc, step, rawCall{
			Request: res.RawRequest, Response: res.RawResponse,
			StatusCode: res.StatusCode, Latency: res.Latency,
		}, err)
		if err != nil {
			return tool.Output{}, err
		}

		tc.Progress(85)
		signed, unsigned, err := persistImages(ctx, tc, res.ImageURLs[:1])
		if err != nil {
			return tool.Output{}, err
		}
		out := imageOutput(signed, unsigned)
		out["scale"] = p.Scale
		return tool.Output{
			OutputData: out,
			Usage: tool.UsageData{
				Provider:     step.Provider,
				Model:        model,
				APILatencyMs: res.Latency.Milliseconds(),
			},
		}, nil
	}}
}

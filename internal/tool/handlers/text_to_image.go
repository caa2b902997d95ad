package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/falai"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

const defaultTextToImageModel = "fal-ai/flux/schnell"

type textToImageParams struct {
	Prompt    string `json:"prompt"`
	NumImages int    `json:"numImages,omitempty"`
	ImageSize string `json:"imageSize,omitempty"`
}

// TextToImage generates one or more images from a prompt. Multiple outputs are
// persisted with -1, -2, ... key suffixes after the first.
func TextToImage(timeout time.Duration) tool.Handler {
	return tool.Handler{Kind: tool.Single, Run: func(ctx context.Context, tc *tool.Context) (tool.Output, error) {
		var p textToImageParams
		if err := tc.BindParams(&p); err != nil {
			return tool.Output{}, err
		}
		if p.Prompt == "" {
			return tool.Output{}, fmt.Errorf("%w: prompt is required", domain.ErrInvalidArgument)
		}
		if p.NumImages < 0 || p.NumImages > 4 {
			return tool.Output{}, fmt.Errorf("%w: numImages must be in 1..4", domain.ErrInvalidArgument)
		}
		if p.NumImages == 0 {
			p.NumImages = 1
		}

		step := firstStep(tc, falai.Slug)
		model := step.Model
		if model == "" {
			model = defaultTextToImageModel
		}
		client, err := falaiClient(ctx, tc, step)
		if err != nil {
			return tool.Output{}, err
		}

		tc.Progress(5)
		input := mergeParams(step, map[string]any{
			"prompt":     p.Prompt,
			"num_images": p.NumImages,
		})
		if p.ImageSize != "" {
			input["image_size"] = p.ImageSize
		}
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
		signed, unsigned, err := persistImages(ctx, tc, res.ImageURLs)
		if err != nil {
			return tool.Output{}, err
		}
		return tool.Output{
			OutputData: imageOutput(signed, unsigned),
			Usage: tool.UsageData{
				Provider:     step.Provider,
				Model:        model,
				APILatencyMs: res.Latency.Milliseconds(),
				Extra:        map[string]any{"num_images": p.NumImages},
			},
		}, nil
	}}
}

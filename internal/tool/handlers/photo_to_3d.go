package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/falai"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/tripo"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/storage"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

// Step names of the photo-to-3d chain. Each step runs as its own task; the
// model step's task references the stylize task as its parent and consumes the
// parent's unsigned result URL.
const (
	StepStylize = "stylize"
	StepModel   = "model"
)

const defaultStylizeModel = "fal-ai/flux/dev/image-to-image"

type photoTo3DParams struct {
	Step     string `json:"step,omitempty"`
	ImageURL string `json:"imageUrl"`
	Prompt   string `json:"prompt,omitempty"`
}

// PhotoTo3D is the two-step pipeline: stylize a photo with fal.ai, then build
// a textured glb from the stylized image with Tripo.
func PhotoTo3D(imageTimeout, modelTimeout time.Duration) tool.Handler {
	return tool.Handler{Kind: tool.Multi, Run: func(ctx context.Context, tc *tool.Context) (tool.Output, error) {
		var p photoTo3DParams
		if err := tc.BindParams(&p); err != nil {
			return tool.Output{}, err
		}
		if p.Step == "" {
			p.Step = StepStylize
		}
		if p.ImageURL == "" {
			return tool.Output{}, fmt.Errorf("%w: imageUrl is required", domain.ErrInvalidArgument)
		}
		switch p.Step {
		case StepStylize:
			return runStylize(ctx, tc, p, imageTimeout)
		case StepModel:
			return runModel(ctx, tc, p, modelTimeout)
		default:
			return tool.Output{}, fmt.Errorf("%w: unknown step %q", domain.ErrInvalidArgument, p.Step)
		}
	}}
}

func runStylize(ctx context.Context, tc *tool.Context, p photoTo3DParams, timeout time.Duration) (tool.Output, error) {
	step, ok := tc.Config.Step(StepStylize)
	if !ok {
		step = domain.ToolStep{Name: StepStylize, Provider: falai.Slug}
	}
	model := step.Model
	if model == "" {
		model = defaultStylizeModel
	}
	client, err := falaiClient(ctx, tc, step)
	if err != nil {
		return tool.Output{}, err
	}

	tc.Progress(5)
	input := mergeParams(step, map[string]any{"image_url": signInput(tc, p.ImageURL)})
	if p.Prompt != "" {
		input["prompt"] = p.Prompt
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
	signed, unsigned, err := persistImages(ctx, tc, res.ImageURLs[:1])
	if err != nil {
		return tool.Output{}, err
	}
	out := imageOutput(signed, unsigned)
	out["step"] = StepStylize
	out["nextStep"] = StepModel
	return tool.Output{
		OutputData: out,
		Usage: tool.UsageData{
			Provider:     step.Provider,
			Model:        model,
			APILatencyMs: res.Latency.Milliseconds(),
			Extra:        map[string]any{"step": StepStylize},
		},
	}, nil
}

func runModel(ctx context.Context, tc *tool.Context, p photoTo3DParams, timeout time.Duration) (tool.Output, error) {
	step, ok := tc.Config.Step(StepModel)
	if !ok {
		step = domain.ToolStep{Name: StepModel, Provider: tripo.Slug}
	}
	client, err := tripoClient(ctx, tc, step)
	if err != nil {
		return tool.Output{}, err
	}

	tc.Progress(5)
	input := mergeParams(step, map[string]any{
		"type": "image_to_model",
		"file": map[string]any{"type": "jpg", "url": signInput(tc, p.ImageURL)},
	})
	// Tripo reports a real percentage; the generation occupies 10..85 of the
	// task's own range, leaving room for artifact persistence.
	res, err := client.Generate(ctx, input, timeout, func(pct int) {
		tc.Progress(tool.MapRange(pct, 10, 85))
	})
	recordCall(ctx, tc, step, rawCall{
		Request: res.RawRequest, Response: res.RawResponse,
		StatusCode: res.StatusCode, Latency: res.Latency,
	}, err)
	if err != nil {
		return tool.Output{}, err
	}

	tc.Progress(90)
	ext := storage.ExtFromURL(res.ModelURL)
	if ext == "png" {
		ext = "glb"
	}
	ref := tc.ArtifactRef(ext, 0)
	unsigned, err := tc.Artifacts.FetchAndPut(ctx, ref, res.ModelURL)
	if err != nil {
		return tool.Output{}, fmt.Errorf("op=handlers.persist: %w", err)
	}
	return tool.Output{
		OutputData: map[string]any{
			"resultUrl":         tc.Artifacts.Sign(unsigned, tc.SignTTL),
			"unsignedResultUrl": unsigned,
			"step":              StepModel,
			"format":            ext,
		},
		Usage: tool.UsageData{
			Provider:     step.Provider,
			Model:        step.Model,
			APILatencyMs: res.Latency.Milliseconds(),
			Extra:        map[string]any{"step": StepModel},
		},
	}, nil
}

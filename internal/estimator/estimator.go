// Package estimator prices workflows and individual steps in credits.
// Everything here is pure: the same inputs always produce the same numbers,
// so admission estimates and billed step costs agree for unchanged params.
package estimator

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrUnpricedParam = errors.New("no price for parameters")
)

const (
	enhancePromptCost     = 2
	enhancePromptDuration = 5

	audioSurcharge         = 2
	videoBaseDuration      = 30
	videoDurationPerSecond = 10
)

type imageKey struct {
	quality string
	size    string
}

// imagePrices apply to every supported image provider.
var imagePrices = map[imageKey]int{
	{models.QualityStandard, "1024x1024"}: 2,
	{models.QualityStandard, "1536x1024"}: 3,
	{models.QualityStandard, "1024x1536"}: 3,
	{models.QualityStandard, "1792x1024"}: 3,
	{models.QualityStandard, "1024x1792"}: 3,
	{models.QualityHD, "1024x1024"}:       3,
	{models.QualityHD, "1536x1024"}:       4,
	{models.QualityHD, "1024x1536"}:       4,
	{models.QualityHD, "1792x1024"}:       5,
	{models.QualityHD, "1024x1792"}:       5,
}

var imageDurations = map[string]int{
	models.QualityStandard: 15,
	models.QualityHD:       25,
}

var imageProviders = map[string]bool{"openai": true, "gemini": true}

type videoKey struct {
	provider   string
	resolution string
}

// videoPricesPerSecond is credits per second of generated video.
var videoPricesPerSecond = map[videoKey]int{
	{"veo", models.ResolutionHD}:     2,
	{"veo", models.ResolutionFullHD}: 3,
}

// StepParams are the resolved parameters a step is priced on.
type StepParams struct {
	Image *models.ImageParams
	Video *models.VideoParams
}

type StepEstimate struct {
	Step            models.StepName `json:"step"`
	Cost            int             `json:"cost"`
	DurationSeconds int             `json:"duration_seconds"`
}

type Estimate struct {
	Cost            int            `json:"cost"`
	DurationSeconds int            `json:"duration_seconds"`
	Steps           []StepEstimate `json:"steps"`
}

// ImageCost prices one image generation.
func ImageCost(p models.ImageParams) (int, error) {
	if !imageProviders[p.Provider] {
		return 0, fmt.Errorf("%w: image provider %q", ErrUnpricedParam, p.Provider)
	}
	cost, ok := imagePrices[imageKey{p.Quality, p.Size}]
	if !ok {
		return 0, fmt.Errorf("%w: image %s %s", ErrUnpricedParam, p.Quality, p.Size)
	}
	return cost, nil
}

// VideoCost prices one video generation: per-second rate times length, plus
// a flat surcharge when audio is requested.
func VideoCost(p models.VideoParams) (int, error) {
	rate, ok := videoPricesPerSecond[videoKey{p.Provider, p.Resolution}]
	if !ok {
		return 0, fmt.Errorf("%w: video %s %s", ErrUnpricedParam, p.Provider, p.Resolution)
	}
	if p.DurationSeconds <= 0 {
		return 0, fmt.Errorf("%w: video duration %d", ErrUnpricedParam, p.DurationSeconds)
	}
	cost := rate * p.DurationSeconds
	if p.Audio {
		cost += audioSurcharge
	}
	return cost, nil
}

// StepCost prices a single step. The engine bills with this after a step
// completes, using the params the provider actually resolved.
func StepCost(step models.StepName, params StepParams) (int, error) {
	switch step {
	case models.StepEnhancePrompt:
		return enhancePromptCost, nil
	case models.StepGenerateImage:
		if params.Image == nil {
			return 0, fmt.Errorf("%w: %s needs image params", ErrUnpricedParam, step)
		}
		return ImageCost(*params.Image)
	case models.StepGenerateVideo:
		if params.Video == nil {
			return 0, fmt.Errorf("%w: %s needs video params", ErrUnpricedParam, step)
		}
		return VideoCost(*params.Video)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
}

// StepDuration is the expected wall-clock seconds for a step.
func StepDuration(step models.StepName, params StepParams) int {
	switch step {
	case models.StepEnhancePrompt:
		return enhancePromptDuration
	case models.StepGenerateImage:
		if params.Image == nil {
			return 0
		}
		return imageDurations[params.Image.Quality]
	case models.StepGenerateVideo:
		if params.Video == nil {
			return 0
		}
		return videoBaseDuration + videoDurationPerSecond*params.Video.DurationSeconds
	}
	return 0
}

// ParamsFor extracts the priced params of step from a workflow config.
func ParamsFor(cfg models.WorkflowConfig, step models.StepName) StepParams {
	switch c := cfg.(type) {
	case models.ImageOnlyConfig:
		if step == models.StepGenerateImage {
			return StepParams{Image: &c.Image}
		}
	case models.CompleteConfig:
		switch step {
		case models.StepGenerateImage:
			return StepParams{Image: &c.Image}
		case models.StepGenerateVideo:
			return StepParams{Video: &c.Video}
		}
	case models.VideoFromImageConfig:
		if step == models.StepGenerateVideo {
			return StepParams{Video: &c.Video}
		}
	}
	return StepParams{}
}

// EstimateWorkflow prices every step of t's topology against cfg.
func EstimateWorkflow(t models.WorkflowType, cfg models.WorkflowConfig) (Estimate, error) {
	if cfg == nil {
		return Estimate{}, fmt.Errorf("%w: nil config", ErrUnpricedParam)
	}
	if cfg.WorkflowType() != t {
		return Estimate{}, fmt.Errorf("config is for %q, not %q", cfg.WorkflowType(), t)
	}

	var est Estimate
	for _, step := range models.Topology(t) {
		params := ParamsFor(cfg, step)
		cost, err := StepCost(step, params)
		if err != nil {
			return Estimate{}, err
		}
		dur := StepDuration(step, params)
		est.Steps = append(est.Steps, StepEstimate{Step: step, Cost: cost, DurationSeconds: dur})
		est.Cost += cost
		est.DurationSeconds += dur
	}
	if len(est.Steps) == 0 {
		return Estimate{}, fmt.Errorf("unknown workflow type %q", t)
	}
	return est, nil
}

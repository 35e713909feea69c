// Package factory builds the provider registry from configuration.
package factory

import (
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/provider/gemini"
	"github.com/kiranshivaraju/genflow/internal/provider/mock"
	"github.com/kiranshivaraju/genflow/internal/provider/openai"
	"github.com/kiranshivaraju/genflow/internal/provider/veo"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// New constructs the registry for cfg.Mode. Called once at server startup.
// A nil client gets a plain http.Client; per-call deadlines come from the
// caller's context.
func New(cfg config.ProvidersConfig, hc *http.Client) (*provider.Registry, error) {
	if hc == nil {
		hc = &http.Client{}
	}

	r := provider.NewRegistry()
	switch cfg.Mode {
	case config.ProviderModeLive:
		r.Register(models.StepEnhancePrompt, openai.NewTextProvider(cfg.OpenAI, hc))
		r.Register(models.StepGenerateImage, openai.NewImageProvider(cfg.OpenAI, hc))
		r.Register(models.StepGenerateImage, gemini.NewImageProvider(cfg.Gemini, hc))
		r.Register(models.StepGenerateVideo, veo.NewVideoProvider(cfg.Veo, hc))
	case config.ProviderModeMock:
		r.Register(models.StepEnhancePrompt, mock.NewMockProvider("openai"))
		r.Register(models.StepGenerateImage, mock.NewMockProvider("openai"))
		r.Register(models.StepGenerateImage, mock.NewMockProvider("gemini"))
		r.Register(models.StepGenerateVideo, mock.NewMockProvider("veo"))
	default:
		return nil, fmt.Errorf("unknown provider mode %q: must be one of live, mock", cfg.Mode)
	}
	return r, nil
}

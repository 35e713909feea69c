// Package provider defines the contract between the workflow engine and the
// external generation services. Adapters live in subpackages; the engine only
// sees StepRequest and StepOutput.
package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Provider generates the output of one workflow step. The credential is only
// valid for the duration of the call and must not be retained.
type Provider interface {
	Name() string
	Generate(ctx context.Context, credential vault.Secret, req StepRequest) (StepOutput, error)
}

// Asset is a generated or source media object. Either Data or URL is set.
type Asset struct {
	Data        []byte
	ContentType string
	URL         string
}

// StepRequest is the step's slice of the workflow config plus the output of
// the previous step.
type StepRequest struct {
	WorkflowID  uuid.UUID
	Step        models.StepName
	Prompt      string
	Style       string
	Image       *models.ImageParams
	Video       *models.VideoParams
	SourceImage *Asset
}

// StepOutput carries the produced artefact and the parameters the provider
// actually used. Billing is computed from Image/Video, not from the request.
type StepOutput struct {
	Text  string
	Asset *Asset
	Image *models.ImageParams
	Video *models.VideoParams
}

type registryKey struct {
	step models.StepName
	name string
}

// Registry maps (step, provider name) to an adapter. A provider's name is
// also the name of the vault credential it consumes.
type Registry struct {
	providers map[registryKey]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[registryKey]Provider)}
}

// Register makes p serve step under p.Name(), replacing any earlier adapter.
func (r *Registry) Register(step models.StepName, p Provider) {
	r.providers[registryKey{step, p.Name()}] = p
}

func (r *Registry) Get(step models.StepName, name string) (Provider, error) {
	p, ok := r.providers[registryKey{step, name}]
	if !ok {
		return nil, fmt.Errorf("%w: no %s adapter for %s", ErrProviderUnavailable, name, step)
	}
	return p, nil
}

// Has reports whether any step is served by a provider called name.
func (r *Registry) Has(name string) bool {
	for k := range r.providers {
		if k.name == name {
			return true
		}
	}
	return false
}

// Route returns the provider name that runs step for cfg.
func Route(cfg models.WorkflowConfig, step models.StepName) string {
	switch step {
	case models.StepEnhancePrompt:
		return models.DefaultTextProvider
	case models.StepGenerateImage:
		switch c := cfg.(type) {
		case models.ImageOnlyConfig:
			return c.Image.Provider
		case models.CompleteConfig:
			return c.Image.Provider
		}
	case models.StepGenerateVideo:
		switch c := cfg.(type) {
		case models.CompleteConfig:
			return c.Video.Provider
		case models.VideoFromImageConfig:
			return c.Video.Provider
		}
	}
	return ""
}

// RequiredCredentials lists the distinct credentials a workflow needs, in
// step order.
func RequiredCredentials(cfg models.WorkflowConfig) []string {
	seen := make(map[string]bool)
	var names []string
	for _, step := range models.Topology(cfg.WorkflowType()) {
		name := Route(cfg, step)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

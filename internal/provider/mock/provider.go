package mock

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// MockProvider satisfies provider.Provider for testing and PROVIDER_MODE=mock.
type MockProvider struct {
	Name_        string
	GenerateFunc func(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Generate(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, credential, req)
	}
	return provider.StepOutput{}, nil
}

// NewMockProvider returns a MockProvider registered under name that produces
// deterministic output for every step and echoes the requested params.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(_ context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
			if credential.IsZero() {
				return provider.StepOutput{}, fmt.Errorf("%w: %s: empty key", provider.ErrCredentialRejected, name)
			}
			return Output(req), nil
		},
	}
}

// Output is the canned result NewMockProvider returns for req.
func Output(req provider.StepRequest) provider.StepOutput {
	switch req.Step {
	case models.StepEnhancePrompt:
		return provider.StepOutput{Text: "Enhanced: " + req.Prompt}
	case models.StepGenerateImage:
		params := models.ImageParams{}
		if req.Image != nil {
			params = *req.Image
		}
		return provider.StepOutput{
			Asset: &provider.Asset{Data: []byte("mock-image:" + req.Prompt), ContentType: "image/png"},
			Image: &params,
		}
	case models.StepGenerateVideo:
		params := models.VideoParams{}
		if req.Video != nil {
			params = *req.Video
		}
		return provider.StepOutput{
			Asset: &provider.Asset{Data: []byte("mock-video:" + req.Prompt), ContentType: "video/mp4"},
			Video: &params,
		}
	}
	return provider.StepOutput{}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(name string, err error) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(_ context.Context, _ vault.Secret, _ provider.StepRequest) (provider.StepOutput, error) {
			return provider.StepOutput{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider(name string) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(ctx context.Context, _ vault.Secret, _ provider.StepRequest) (provider.StepOutput, error) {
			<-ctx.Done()
			return provider.StepOutput{}, fmt.Errorf("%w: %s", provider.ErrProviderTimeout, name)
		},
	}
}

// Compile-time check that MockProvider implements Provider.
var _ provider.Provider = (*MockProvider)(nil)

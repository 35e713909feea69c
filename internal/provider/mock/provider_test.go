package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/provider/mock"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = vault.NewSecret("sk-test")

func imageRequest() provider.StepRequest {
	return provider.StepRequest{
		WorkflowID: uuid.New(),
		Step:       models.StepGenerateImage,
		Prompt:     "a red fox",
		Image:      &models.ImageParams{Provider: "openai", Quality: models.QualityHD, Size: "1792x1024"},
	}
}

// --- NewMockProvider ---

func TestNewMockProvider_Name(t *testing.T) {
	p := mock.NewMockProvider("openai")
	assert.Equal(t, "openai", p.Name())
}

func TestNewMockProvider_EnhancePrompt(t *testing.T) {
	p := mock.NewMockProvider("openai")
	out, err := p.Generate(context.Background(), key, provider.StepRequest{Step: models.StepEnhancePrompt, Prompt: "fox"})

	require.NoError(t, err)
	assert.Equal(t, "Enhanced: fox", out.Text)
	assert.Nil(t, out.Asset)
}

func TestNewMockProvider_ImageEchoesParams(t *testing.T) {
	p := mock.NewMockProvider("openai")
	req := imageRequest()
	out, err := p.Generate(context.Background(), key, req)

	require.NoError(t, err)
	require.NotNil(t, out.Asset)
	assert.Equal(t, "image/png", out.Asset.ContentType)
	require.NotNil(t, out.Image)
	assert.Equal(t, *req.Image, *out.Image)
}

func TestNewMockProvider_Video(t *testing.T) {
	p := mock.NewMockProvider("veo")
	req := provider.StepRequest{
		Step:   models.StepGenerateVideo,
		Prompt: "pan",
		Video:  &models.VideoParams{Provider: "veo", DurationSeconds: 4, Resolution: models.ResolutionHD},
	}
	out, err := p.Generate(context.Background(), key, req)

	require.NoError(t, err)
	require.NotNil(t, out.Video)
	assert.Equal(t, 4, out.Video.DurationSeconds)
	assert.Equal(t, "video/mp4", out.Asset.ContentType)
}

func TestNewMockProvider_RejectsEmptyCredential(t *testing.T) {
	p := mock.NewMockProvider("openai")
	_, err := p.Generate(context.Background(), vault.Secret{}, imageRequest())

	assert.ErrorIs(t, err, provider.ErrCredentialRejected)
}

// --- NewFailingProvider ---

func TestNewFailingProvider(t *testing.T) {
	p := mock.NewFailingProvider("veo", provider.ErrProviderUnavailable)
	assert.Equal(t, "veo", p.Name())

	_, err := p.Generate(context.Background(), key, imageRequest())
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestNewFailingProvider_CustomError(t *testing.T) {
	customErr := errors.New("quota exhausted")
	p := mock.NewFailingProvider("openai", customErr)

	_, err := p.Generate(context.Background(), key, imageRequest())
	assert.ErrorIs(t, err, customErr)
}

// --- NewTimeoutProvider ---

func TestNewTimeoutProvider(t *testing.T) {
	p := mock.NewTimeoutProvider("veo")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, key, imageRequest())
	assert.ErrorIs(t, err, provider.ErrProviderTimeout)
}

// --- Zero-value MockProvider ---

func TestMockProvider_NilFunc(t *testing.T) {
	p := &mock.MockProvider{Name_: "bare"}

	out, err := p.Generate(context.Background(), key, imageRequest())
	assert.NoError(t, err)
	assert.Equal(t, provider.StepOutput{}, out)
}

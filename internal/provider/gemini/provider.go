// Package gemini adapts the Imagen predict endpoint of the Gemini API.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/vault"
)

const name = "gemini"

// aspectRatios maps the supported sizes onto Imagen's aspect ratios.
var aspectRatios = map[string]string{
	"1024x1024": "1:1",
	"1536x1024": "4:3",
	"1024x1536": "3:4",
	"1792x1024": "16:9",
	"1024x1792": "9:16",
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string `json:"prompt"`
}

type parameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

type ImageProvider struct {
	cfg  config.GeminiConfig
	http *http.Client
}

func NewImageProvider(cfg config.GeminiConfig, hc *http.Client) *ImageProvider {
	return &ImageProvider{cfg: cfg, http: hc}
}

func (p *ImageProvider) Name() string { return name }

func (p *ImageProvider) Generate(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
	if req.Image == nil {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: image params missing", provider.ErrProviderFailure, name)
	}
	params := *req.Image
	ratio, ok := aspectRatios[params.Size]
	if !ok {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: unsupported size %s", provider.ErrProviderFailure, name, params.Size)
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt = fmt.Sprintf("%s. Style: %s", prompt, req.Style)
	}
	body := predictRequest{
		Instances:  []instance{{Prompt: prompt}},
		Parameters: parameters{SampleCount: 1, AspectRatio: ratio},
	}
	url := fmt.Sprintf("%s/models/%s:predict", strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.ImageModel)
	header := http.Header{}
	header.Set("x-goog-api-key", credential.Reveal())

	var out predictResponse
	if err := provider.DoJSON(ctx, p.http, name, http.MethodPost, url, header, body, &out); err != nil {
		return provider.StepOutput{}, err
	}
	if len(out.Predictions) == 0 || out.Predictions[0].BytesBase64Encoded == "" {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: no predictions", provider.ErrInvalidResponse, name)
	}

	pred := out.Predictions[0]
	data, err := base64.StdEncoding.DecodeString(pred.BytesBase64Encoded)
	if err != nil {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: %v", provider.ErrInvalidResponse, name, err)
	}
	mime := pred.MimeType
	if mime == "" {
		mime = "image/png"
	}

	return provider.StepOutput{
		Asset: &provider.Asset{Data: data, ContentType: mime},
		Image: &params,
	}, nil
}

var _ provider.Provider = (*ImageProvider)(nil)

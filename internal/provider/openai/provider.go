// Package openai adapts the OpenAI chat and image APIs to provider.Provider.
package openai

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

const (
	name = "openai"

	enhanceSystemPrompt = "You rewrite prompts for image and video generation. " +
		"Return only the improved prompt: vivid, concrete, one paragraph, no preamble."
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type client struct {
	cfg  config.OpenAIConfig
	http *http.Client
}

func (c *client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func authHeader(credential vault.Secret) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+credential.Reveal())
	return h
}

// TextProvider runs enhance_prompt through chat completions.
type TextProvider struct {
	client
}

func NewTextProvider(cfg config.OpenAIConfig, hc *http.Client) *TextProvider {
	return &TextProvider{client{cfg: cfg, http: hc}}
}

func (p *TextProvider) Name() string { return name }

func (p *TextProvider) Generate(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
	user := req.Prompt
	if req.Style != "" {
		user = fmt.Sprintf("%s\n\nStyle: %s", req.Prompt, req.Style)
	}
	body := chatRequest{
		Model:       p.cfg.TextModel,
		Temperature: 0.7,
		Messages: []chatMessage{
			{Role: "system", Content: enhanceSystemPrompt},
			{Role: "user", Content: user},
		},
	}

	var out chatResponse
	if err := provider.DoJSON(ctx, p.http, name, http.MethodPost, p.url("/chat/completions"), authHeader(credential), body, &out); err != nil {
		return provider.StepOutput{}, err
	}
	if len(out.Choices) == 0 {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: no choices", provider.ErrInvalidResponse, name)
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: empty completion", provider.ErrInvalidResponse, name)
	}
	return provider.StepOutput{Text: text}, nil
}

// ImageProvider runs generate_image through the images endpoint.
type ImageProvider struct {
	client
}

func NewImageProvider(cfg config.OpenAIConfig, hc *http.Client) *ImageProvider {
	return &ImageProvider{client{cfg: cfg, http: hc}}
}

func (p *ImageProvider) Name() string { return name }

func (p *ImageProvider) Generate(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
	if req.Image == nil {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: image params missing", provider.ErrProviderFailure, name)
	}
	params := *req.Image
	body := imageRequest{
		Model:          p.cfg.ImageModel,
		Prompt:         req.Prompt,
		N:              1,
		Size:           params.Size,
		Quality:        params.Quality,
		ResponseFormat: "b64_json",
	}

	var out imageResponse
	if err := provider.DoJSON(ctx, p.http, name, http.MethodPost, p.url("/images/generations"), authHeader(credential), body, &out); err != nil {
		return provider.StepOutput{}, err
	}
	if len(out.Data) == 0 {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: no images", provider.ErrInvalidResponse, name)
	}

	item := out.Data[0]
	asset := &provider.Asset{ContentType: "image/png", URL: item.URL}
	if item.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return provider.StepOutput{}, fmt.Errorf("%w: %s: %v", provider.ErrInvalidResponse, name, err)
		}
		asset.Data = data
	}
	if len(asset.Data) == 0 && asset.URL == "" {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: empty image", provider.ErrInvalidResponse, name)
	}

	return provider.StepOutput{Asset: asset, Image: &params}, nil
}

var (
	_ provider.Provider = (*TextProvider)(nil)
	_ provider.Provider = (*ImageProvider)(nil)
)

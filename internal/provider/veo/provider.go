// Package veo adapts the Veo long-running video generation API. A request
// starts an operation which is polled until done; the finished video is
// downloaded while the credential is still in scope.
package veo

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/vault"
)

const (
	name = "veo"

	maxSourceImage = 20 << 20
	maxVideo       = 200 << 20
)

type generateRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string       `json:"prompt"`
	Image  *inlineImage `json:"image,omitempty"`
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type parameters struct {
	DurationSeconds int    `json:"durationSeconds"`
	Resolution      string `json:"resolution"`
	GenerateAudio   bool   `json:"generateAudio"`
	AspectRatio     string `json:"aspectRatio"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

type VideoProvider struct {
	cfg    config.VeoConfig
	http   *http.Client
	source *http.Client
}

type Option func(*VideoProvider)

// WithSourceClient replaces the client used to fetch user-supplied source
// images. The default only dials public addresses.
func WithSourceClient(hc *http.Client) Option {
	return func(p *VideoProvider) { p.source = hc }
}

func NewVideoProvider(cfg config.VeoConfig, hc *http.Client, opts ...Option) *VideoProvider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	p := &VideoProvider{cfg: cfg, http: hc, source: provider.PublicClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *VideoProvider) Name() string { return name }

func (p *VideoProvider) base() string { return strings.TrimRight(p.cfg.BaseURL, "/") }

func (p *VideoProvider) Generate(ctx context.Context, credential vault.Secret, req provider.StepRequest) (provider.StepOutput, error) {
	if req.Video == nil {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: video params missing", provider.ErrProviderFailure, name)
	}
	params := *req.Video
	header := http.Header{}
	header.Set("x-goog-api-key", credential.Reveal())

	inst := instance{Prompt: req.Prompt}
	if req.SourceImage != nil {
		img, err := p.inline(ctx, req.SourceImage)
		if err != nil {
			return provider.StepOutput{}, err
		}
		inst.Image = img
	}

	body := generateRequest{
		Instances: []instance{inst},
		Parameters: parameters{
			DurationSeconds: params.DurationSeconds,
			Resolution:      params.Resolution,
			GenerateAudio:   params.Audio,
			AspectRatio:     "16:9",
		},
	}
	url := fmt.Sprintf("%s/models/%s:predictLongRunning", p.base(), p.cfg.Model)

	var op operation
	if err := provider.DoJSON(ctx, p.http, name, http.MethodPost, url, header, body, &op); err != nil {
		return provider.StepOutput{}, err
	}
	if op.Name == "" && !op.Done {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: operation has no name", provider.ErrInvalidResponse, name)
	}

	done, err := p.wait(ctx, header, op)
	if err != nil {
		return provider.StepOutput{}, err
	}

	samples := done.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 || samples[0].Video.URI == "" {
		return provider.StepOutput{}, fmt.Errorf("%w: %s: no generated video", provider.ErrInvalidResponse, name)
	}

	video, err := provider.Download(ctx, p.http, name, samples[0].Video.URI, header, maxVideo)
	if err != nil {
		return provider.StepOutput{}, err
	}
	if video.ContentType == "" || video.ContentType == "application/octet-stream" {
		video.ContentType = "video/mp4"
	}
	// The download URI needs the API key, so it is not kept.
	video.URL = ""

	return provider.StepOutput{Asset: video, Video: &params}, nil
}

// wait polls op until it reports done.
func (p *VideoProvider) wait(ctx context.Context, header http.Header, op operation) (operation, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for !op.Done {
		select {
		case <-ctx.Done():
			return operation{}, provider.TransportError(ctx, name, ctx.Err())
		case <-ticker.C:
		}
		next := operation{}
		if err := provider.DoJSON(ctx, p.http, name, http.MethodGet, p.base()+"/"+op.Name, header, nil, &next); err != nil {
			return operation{}, err
		}
		if next.Name == "" {
			next.Name = op.Name
		}
		op = next
	}

	if op.Error != nil {
		return operation{}, fmt.Errorf("%w: %s: %s", provider.ErrProviderFailure, name, op.Error.Message)
	}
	if op.Response == nil {
		return operation{}, fmt.Errorf("%w: %s: operation finished without response", provider.ErrInvalidResponse, name)
	}
	return op, nil
}

// inline turns a source image into the base64 form Veo accepts, fetching it
// first when only a URL is known.
func (p *VideoProvider) inline(ctx context.Context, src *provider.Asset) (*inlineImage, error) {
	asset := src
	if len(asset.Data) == 0 {
		if asset.URL == "" {
			return nil, fmt.Errorf("%w: %s: source image is empty", provider.ErrProviderFailure, name)
		}
		if !strings.HasPrefix(asset.URL, "https://") {
			return nil, fmt.Errorf("%w: %s: source image must be https: %w", provider.ErrProviderFailure, name, provider.ErrForbiddenAddress)
		}
		fetched, err := provider.Download(ctx, p.source, name, asset.URL, nil, maxSourceImage)
		if err != nil {
			return nil, fmt.Errorf("fetch source image: %w", err)
		}
		asset = fetched
	}
	mime := asset.ContentType
	if mime == "" {
		mime = http.DetectContentType(asset.Data)
	}
	return &inlineImage{
		BytesBase64Encoded: base64.StdEncoding.EncodeToString(asset.Data),
		MimeType:           mime,
	}, nil
}

var _ provider.Provider = (*VideoProvider)(nil)

package models

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxPromptLength is the maximum prompt length in characters.
const MaxPromptLength = 4000

const (
	QualityStandard = "standard"
	QualityHD       = "hd"

	ResolutionHD     = "720p"
	ResolutionFullHD = "1080p"
)

// Default provider names for each capability.
const (
	DefaultImageProvider = "openai"
	DefaultVideoProvider = "veo"
	DefaultTextProvider  = "openai"
)

// WorkflowConfig is the tagged-variant configuration of a workflow.
// Each WorkflowType has exactly one concrete implementation.
type WorkflowConfig interface {
	WorkflowType() WorkflowType
	Validate() error
}

// ImageParams are the image-generation knobs.
type ImageParams struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Quality  string `json:"quality,omitempty"  yaml:"quality,omitempty"`
	Size     string `json:"size,omitempty"     yaml:"size,omitempty"`
}

// VideoParams are the video-generation knobs.
type VideoParams struct {
	Provider        string `json:"provider,omitempty"   yaml:"provider,omitempty"`
	DurationSeconds int    `json:"duration_seconds"     yaml:"duration_seconds"`
	Resolution      string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Audio           bool   `json:"audio"                yaml:"audio"`
}

// ImageOnlyConfig configures the enhance_prompt → generate_image topology.
type ImageOnlyConfig struct {
	Prompt string      `json:"prompt"          yaml:"prompt"`
	Style  string      `json:"style,omitempty" yaml:"style,omitempty"`
	Image  ImageParams `json:"image"           yaml:"image"`
}

// CompleteConfig configures enhance_prompt → generate_image → generate_video.
type CompleteConfig struct {
	Prompt string      `json:"prompt"          yaml:"prompt"`
	Style  string      `json:"style,omitempty" yaml:"style,omitempty"`
	Image  ImageParams `json:"image"           yaml:"image"`
	Video  VideoParams `json:"video"           yaml:"video"`
}

// VideoFromImageConfig configures the single generate_video step. Exactly one
// of SourceImageURL and SourceWorkflowID must be set.
type VideoFromImageConfig struct {
	Prompt           string      `json:"prompt"                       yaml:"prompt"`
	SourceImageURL   string      `json:"source_image_url,omitempty"   yaml:"source_image_url,omitempty"`
	SourceWorkflowID *uuid.UUID  `json:"source_workflow_id,omitempty" yaml:"source_workflow_id,omitempty"`
	Video            VideoParams `json:"video"                        yaml:"video"`
}

func (ImageOnlyConfig) WorkflowType() WorkflowType      { return WorkflowImageOnly }
func (CompleteConfig) WorkflowType() WorkflowType       { return WorkflowComplete }
func (VideoFromImageConfig) WorkflowType() WorkflowType { return WorkflowVideoFromImage }

var imageSizes = map[string]bool{
	"1024x1024": true,
	"1536x1024": true,
	"1024x1536": true,
	"1792x1024": true,
	"1024x1792": true,
}

var videoDurations = map[int]bool{4: true, 6: true, 8: true}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validatePrompt(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return FieldError{Field: "prompt", Message: "is required"}
	}
	if utf8.RuneCountInString(p) > MaxPromptLength {
		return FieldError{Field: "prompt", Message: fmt.Sprintf("must be at most %d characters", MaxPromptLength)}
	}
	return nil
}

// Validate checks image params after defaults have been applied.
func (p ImageParams) Validate() error {
	if p.Provider != "openai" && p.Provider != "gemini" {
		return FieldError{Field: "image.provider", Message: "must be openai or gemini"}
	}
	if p.Quality != QualityStandard && p.Quality != QualityHD {
		return FieldError{Field: "image.quality", Message: "must be standard or hd"}
	}
	if !imageSizes[p.Size] {
		return FieldError{Field: "image.size", Message: fmt.Sprintf("unsupported size %q", p.Size)}
	}
	return nil
}

// Validate checks video params after defaults have been applied.
func (p VideoParams) Validate() error {
	if p.Provider != DefaultVideoProvider {
		return FieldError{Field: "video.provider", Message: "must be veo"}
	}
	if !videoDurations[p.DurationSeconds] {
		return FieldError{Field: "video.duration_seconds", Message: "must be 4, 6 or 8"}
	}
	if p.Resolution != ResolutionHD && p.Resolution != ResolutionFullHD {
		return FieldError{Field: "video.resolution", Message: "must be 720p or 1080p"}
	}
	return nil
}

// WithDefaults fills in provider, quality and size.
func (p ImageParams) WithDefaults() ImageParams {
	if p.Provider == "" {
		p.Provider = DefaultImageProvider
	}
	if p.Quality == "" {
		p.Quality = QualityStandard
	}
	if p.Size == "" {
		p.Size = "1024x1024"
	}
	return p
}

// WithDefaults fills in provider and resolution.
func (p VideoParams) WithDefaults() VideoParams {
	if p.Provider == "" {
		p.Provider = DefaultVideoProvider
	}
	if p.Resolution == "" {
		p.Resolution = ResolutionHD
	}
	return p
}

func (c ImageOnlyConfig) Validate() error {
	if err := validatePrompt(c.Prompt); err != nil {
		return err
	}
	return c.Image.Validate()
}

func (c CompleteConfig) Validate() error {
	if err := validatePrompt(c.Prompt); err != nil {
		return err
	}
	if err := c.Image.Validate(); err != nil {
		return err
	}
	return c.Video.Validate()
}

func (c VideoFromImageConfig) Validate() error {
	if err := validatePrompt(c.Prompt); err != nil {
		return err
	}
	hasURL := strings.TrimSpace(c.SourceImageURL) != ""
	hasWorkflow := c.SourceWorkflowID != nil && *c.SourceWorkflowID != uuid.Nil
	if hasURL == hasWorkflow {
		return FieldError{Field: "source_image_url", Message: "exactly one of source_image_url or source_workflow_id is required"}
	}
	if hasURL {
		if err := validateSourceURL(c.SourceImageURL); err != nil {
			return err
		}
	}
	return c.Video.Validate()
}

// validateSourceURL accepts https URLs whose host is a name or a public IP.
// Names are checked again when the worker dials them.
func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" || u.User != nil {
		return FieldError{Field: "source_image_url", Message: "must be an https URL"}
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return FieldError{Field: "source_image_url", Message: "host is not publicly reachable"}
	}
	if ip := net.ParseIP(host); ip != nil && !PublicIP(ip) {
		return FieldError{Field: "source_image_url", Message: "host is not publicly reachable"}
	}
	return nil
}

// PublicIP reports whether ip is a globally routable unicast address.
func PublicIP(ip net.IP) bool {
	return ip.IsGlobalUnicast() && !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast()
}

// DecodeConfig unmarshals raw into the concrete config for t and applies defaults.
// It does not validate; callers run Validate after any additional checks.
func DecodeConfig(t WorkflowType, raw []byte) (WorkflowConfig, error) {
	switch t {
	case WorkflowImageOnly:
		var c ImageOnlyConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.Image = c.Image.WithDefaults()
		return c, nil
	case WorkflowComplete:
		var c CompleteConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.Image = c.Image.WithDefaults()
		c.Video = c.Video.WithDefaults()
		return c, nil
	case WorkflowVideoFromImage:
		var c VideoFromImageConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.Video = c.Video.WithDefaults()
		return c, nil
	default:
		return nil, fmt.Errorf("unknown workflow type %q", t)
	}
}

// ConfigPrompt returns the user prompt of any config variant.
func ConfigPrompt(c WorkflowConfig) string {
	switch v := c.(type) {
	case ImageOnlyConfig:
		return v.Prompt
	case CompleteConfig:
		return v.Prompt
	case VideoFromImageConfig:
		return v.Prompt
	}
	return ""
}

// Package models contains shared data models used across the genflow codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowType selects the fixed step topology a workflow runs.
type WorkflowType string

const (
	WorkflowImageOnly      WorkflowType = "image-only"
	WorkflowComplete       WorkflowType = "complete"
	WorkflowVideoFromImage WorkflowType = "video-from-image"
)

// Valid reports whether t is one of the supported topologies.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowImageOnly, WorkflowComplete, WorkflowVideoFromImage:
		return true
	}
	return false
}

const (
	WorkflowStatusInitializing = "INITIALIZING"
	WorkflowStatusRunning      = "RUNNING"
	WorkflowStatusCompleted    = "COMPLETED"
	WorkflowStatusFailed       = "FAILED"
	WorkflowStatusCancelled    = "CANCELLED"
)

// IsTerminal reports whether status is one of COMPLETED, FAILED or CANCELLED.
func IsTerminal(status string) bool {
	return status == WorkflowStatusCompleted ||
		status == WorkflowStatusFailed ||
		status == WorkflowStatusCancelled
}

// StepName identifies one unit of work inside a topology.
type StepName string

const (
	StepEnhancePrompt StepName = "enhance_prompt"
	StepGenerateImage StepName = "generate_image"
	StepGenerateVideo StepName = "generate_video"
)

const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// CancelledByUser is the error text recorded on user-cancelled workflows.
const CancelledByUser = "Cancelled by user"

var topologies = map[WorkflowType][]StepName{
	WorkflowImageOnly:      {StepEnhancePrompt, StepGenerateImage},
	WorkflowComplete:       {StepEnhancePrompt, StepGenerateImage, StepGenerateVideo},
	WorkflowVideoFromImage: {StepGenerateVideo},
}

var stepTitles = map[StepName]string{
	StepEnhancePrompt: "Enhance prompt",
	StepGenerateImage: "Generate image",
	StepGenerateVideo: "Generate video",
}

// Topology returns the ordered steps for t. The returned slice is a copy.
func Topology(t WorkflowType) []StepName {
	steps := topologies[t]
	out := make([]StepName, len(steps))
	copy(out, steps)
	return out
}

// Step is one persisted step record of a workflow execution.
type Step struct {
	ID          string     `json:"id"`
	Name        StepName   `json:"name"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Cost        int        `json:"cost"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSteps builds the pending step records for a topology.
func NewSteps(t WorkflowType) []Step {
	names := topologies[t]
	steps := make([]Step, 0, len(names))
	for _, n := range names {
		steps = append(steps, Step{
			ID:     string(n),
			Name:   n,
			Title:  stepTitles[n],
			Status: StepStatusPending,
		})
	}
	return steps
}

// WorkflowResult holds the accumulated outputs of a completed workflow.
type WorkflowResult struct {
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
}

// WorkflowExecution is one generation request and its lifecycle state.
// It is created on admission and never deleted.
type WorkflowExecution struct {
	ID                uuid.UUID       `db:"id"                 json:"id"`
	UserID            uuid.UUID       `db:"user_id"            json:"user_id"`
	ProjectID         *uuid.UUID      `db:"project_id"         json:"project_id,omitempty"`
	Type              WorkflowType    `db:"workflow_type"      json:"workflow_type"`
	Config            WorkflowConfig  `db:"config"             json:"config"`
	Status            string          `db:"status"             json:"status"`
	Progress          int             `db:"progress"           json:"progress"`
	Steps             []Step          `db:"steps"              json:"steps"`
	EstimatedCost     int             `db:"estimated_cost"     json:"estimated_cost"`
	ActualCost        int             `db:"actual_cost"        json:"actual_cost"`
	EstimatedDuration int             `db:"estimated_duration" json:"estimated_duration"`
	CancelRequested   bool            `db:"cancel_requested"   json:"cancel_requested"`
	Result            *WorkflowResult `db:"result"             json:"result,omitempty"`
	Error             *string         `db:"error"              json:"error,omitempty"`
	CreatedAt         time.Time       `db:"created_at"         json:"created_at"`
	StartedAt         *time.Time      `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt       *time.Time      `db:"completed_at"       json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `db:"updated_at"         json:"updated_at"`
}

// CompletedSteps counts steps in the completed state.
func (w *WorkflowExecution) CompletedSteps() int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// ProgressFor computes round(100 * completed / total).
func ProgressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*completed + total) / (2 * total)
}

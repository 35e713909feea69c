// Package tracker builds the read-only status view of a workflow. It never
// writes workflow state.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/media"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

const (
	defaultSnapshotTTL = 24 * time.Hour
	defaultURLTTL      = time.Hour
)

// Store is the slice of store.Store the tracker reads.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*models.WorkflowExecution, int, error)
}

// Projection is the externally visible state of one workflow.
type Projection struct {
	WorkflowID             uuid.UUID              `json:"workflow_id"`
	Type                   models.WorkflowType    `json:"workflow_type"`
	Status                 string                 `json:"status"`
	Progress               int                    `json:"progress"`
	CurrentStep            *models.StepName       `json:"current_step,omitempty"`
	Steps                  []models.Step          `json:"steps"`
	EstimatedTimeRemaining *int                   `json:"estimated_time_remaining,omitempty"`
	TotalCost              int                    `json:"total_cost"`
	EstimatedCost          int                    `json:"estimated_cost"`
	ActualCost             int                    `json:"actual_cost"`
	CancelRequested        bool                   `json:"cancel_requested,omitempty"`
	Result                 *models.WorkflowResult `json:"result,omitempty"`
	Error                  *string                `json:"error,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	StartedAt              *time.Time             `json:"started_at,omitempty"`
	CompletedAt            *time.Time             `json:"completed_at,omitempty"`
}

// snapshot is what gets cached for terminal workflows. The owner is kept so
// cached reads are still access-checked.
type snapshot struct {
	UserID     uuid.UUID  `json:"user_id"`
	Projection Projection `json:"projection"`
}

type Tracker struct {
	store       Store
	cache       cache.Cache
	media       media.Store
	logger      *slog.Logger
	now         func() time.Time
	snapshotTTL time.Duration
	urlTTL      time.Duration
}

type Option func(*Tracker)

// WithCache enables snapshot caching of terminal workflows.
func WithCache(c cache.Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithMedia signs stored asset refs in results.
func WithMedia(m media.Store) Option {
	return func(t *Tracker) { t.media = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithURLTTL sets how long signed asset URLs stay valid.
func WithURLTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.urlTTL = d
		}
	}
}

func New(st Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       st,
		logger:      slog.Default(),
		now:         time.Now,
		snapshotTTL: defaultSnapshotTTL,
		urlTTL:      defaultURLTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Project derives the status view of wf at time now.
func Project(wf *models.WorkflowExecution, now time.Time) Projection {
	p := Projection{
		WorkflowID:      wf.ID,
		Type:            wf.Type,
		Status:          wf.Status,
		Steps:           append([]models.Step(nil), wf.Steps...),
		EstimatedCost:   wf.EstimatedCost,
		ActualCost:      wf.ActualCost,
		CancelRequested: wf.CancelRequested,
		Error:           wf.Error,
		CreatedAt:       wf.CreatedAt,
		StartedAt:       wf.StartedAt,
		CompletedAt:     wf.CompletedAt,
	}
	if wf.Result != nil {
		r := *wf.Result
		p.Result = &r
	}

	if wf.Status == models.WorkflowStatusCompleted {
		p.Progress = 100
	} else {
		p.Progress = min(models.ProgressFor(wf.CompletedSteps(), len(wf.Steps)), 99)
	}

	for _, s := range wf.Steps {
		if s.Status == models.StepStatusRunning {
			name := s.Name
			p.CurrentStep = &name
			break
		}
	}

	if wf.Status == models.WorkflowStatusRunning {
		elapsed := 0
		if wf.StartedAt != nil {
			elapsed = int(now.Sub(*wf.StartedAt).Seconds())
		}
		remaining := max(0, wf.EstimatedDuration-elapsed)
		p.EstimatedTimeRemaining = &remaining
	}

	p.TotalCost = wf.EstimatedCost
	if wf.ActualCost > 0 || models.IsTerminal(wf.Status) {
		p.TotalCost = wf.ActualCost
	}
	return p
}

// Status returns the projection of a workflow owned by userID.
func (t *Tracker) Status(ctx context.Context, userID, id uuid.UUID) (Projection, error) {
	if snap, ok := t.cached(ctx, id); ok {
		if snap.UserID != userID {
			return Projection{}, workflow.ErrForbidden
		}
		return t.sign(ctx, snap.Projection), nil
	}

	wf, err := t.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Projection{}, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return Projection{}, fmt.Errorf("loading workflow: %w", err)
	}
	if wf.UserID != userID {
		return Projection{}, workflow.ErrForbidden
	}

	p := Project(wf, t.now())
	if models.IsTerminal(wf.Status) {
		t.remember(ctx, snapshot{UserID: wf.UserID, Projection: p})
	}
	return t.sign(ctx, p), nil
}

// List returns one page of the user's workflows, newest first, and the total
// count matching the filter.
func (t *Tracker) List(ctx context.Context, filter store.WorkflowFilter) ([]Projection, int, error) {
	wfs, total, err := t.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing workflows: %w", err)
	}
	now := t.now()
	out := make([]Projection, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, t.sign(ctx, Project(wf, now)))
	}
	return out, total, nil
}

func (t *Tracker) cached(ctx context.Context, id uuid.UUID) (snapshot, bool) {
	if t.cache == nil {
		return snapshot{}, false
	}
	raw, ok, err := t.cache.GetWorkflowSnapshot(ctx, id)
	if err != nil {
		t.logger.Warn("reading workflow snapshot", "workflow_id", id, "error", err)
		return snapshot{}, false
	}
	if !ok {
		return snapshot{}, false
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.logger.Warn("decoding workflow snapshot", "workflow_id", id, "error", err)
		return snapshot{}, false
	}
	return snap, true
}

func (t *Tracker) remember(ctx context.Context, snap snapshot) {
	if t.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := t.cache.SetWorkflowSnapshot(ctx, snap.Projection.WorkflowID, raw, t.snapshotTTL); err != nil {
		t.logger.Warn("caching workflow snapshot", "workflow_id", snap.Projection.WorkflowID, "error", err)
	}
}

// sign replaces stored asset refs with URLs the client can fetch.
func (t *Tracker) sign(ctx context.Context, p Projection) Projection {
	if t.media == nil || p.Result == nil {
		return p
	}
	r := *p.Result
	for _, ref := range []*string{&r.ImageURL, &r.VideoURL, &r.ThumbnailURL} {
		if *ref == "" {
			continue
		}
		url, err := t.media.SignedURL(ctx, *ref, t.urlTTL)
		if err != nil {
			t.logger.Warn("signing asset url", "workflow_id", p.WorkflowID, "ref", *ref, "error", err)
			continue
		}
		*ref = url
	}
	p.Result = &r
	return p
}

// Package workflow is the orchestration state machine. Start admits a
// workflow after validating, pricing and checking credentials; Execute runs
// its steps in order, billing each one through the ledger; Cancel stops it at
// the next step boundary.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/estimator"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/media"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultProviderTimeout = 120 * time.Second

// Store is the slice of store.Store the engine needs.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *models.WorkflowExecution) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.WorkflowUpdateOption) error
	UpdateWorkflowSteps(ctx context.Context, id uuid.UUID, steps []models.Step, progress, actualCost int) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

type Ledger interface {
	CanAfford(ctx context.Context, userID uuid.UUID, amount int) (bool, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Receipt, error)
}

type Vault interface {
	Resolve(ctx context.Context, userID uuid.UUID, provider string) (vault.Secret, error)
	SetValidation(ctx context.Context, userID uuid.UUID, provider, status string) error
}

type Providers interface {
	Get(step models.StepName, name string) (provider.Provider, error)
}

// Publisher hands a persisted workflow to the background workers.
type Publisher interface {
	Publish(ctx context.Context, workflowID uuid.UUID) error
}

// Deps are the collaborators every engine needs.
type Deps struct {
	Store     Store
	Ledger    Ledger
	Vault     Vault
	Providers Providers
	Publisher Publisher
}

type Engine struct {
	store     Store
	ledger    Ledger
	vault     Vault
	providers Providers
	publisher Publisher
	media     media.Store
	configs   *Validator
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMedia sets where generated assets are stored. Defaults to memory.
func WithMedia(m media.Store) Option {
	return func(e *Engine) { e.media = m }
}

// WithProviderTimeout bounds every provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Vault == nil || deps.Providers == nil || deps.Publisher == nil {
		return nil, errors.New("workflow engine: store, ledger, vault, providers and publisher are required")
	}
	configs, err := NewValidator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     deps.Store,
		ledger:    deps.Ledger,
		vault:     deps.Vault,
		providers: deps.Providers,
		publisher: deps.Publisher,
		media:     media.NewMemoryStore(),
		configs:   configs,
		timeout:   defaultProviderTimeout,
		logger:    slog.Default(),
		tracer:    otel.Tracer("genflow/workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// StartRequest asks for a new workflow. Config is the raw JSON of the
// variant selected by Type.
type StartRequest struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	Type      models.WorkflowType
	Config    json.RawMessage
}

// Estimate validates and prices a request without touching balances or
// credentials.
func (e *Engine) Estimate(t models.WorkflowType, raw json.RawMessage) (estimator.Estimate, error) {
	return e.configs.Estimate(t, raw)
}

// Start admits a workflow. Nothing is persisted and no credits move unless
// every check passes.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*models.WorkflowExecution, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.start", trace.WithAttributes(
		attribute.String("workflow.type", string(req.Type)),
		attribute.String("user.id", req.UserID.String()),
	))
	defer span.End()

	wf, err := e.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Info("workflow rejected", "user_id", req.UserID, "workflow_type", req.Type, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.id", wf.ID.String()))
	return wf, nil
}

func (e *Engine) admit(ctx context.Context, req StartRequest) (*models.WorkflowExecution, error) {
	cfg, err := e.configs.Decode(req.Type, req.Config)
	if err != nil {
		return nil, err
	}

	if c, ok := cfg.(models.VideoFromImageConfig); ok && c.SourceWorkflowID != nil {
		if err := e.checkSource(ctx, req.UserID, *c.SourceWorkflowID); err != nil {
			return nil, err
		}
	}

	est, err := estimator.EstimateWorkflow(req.Type, cfg)
	if err != nil {
		return nil, invalid("config", err.Error())
	}

	ok, err := e.ledger.CanAfford(ctx, req.UserID, est.Cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow needs %d credits", ledger.ErrInsufficientCredits, est.Cost)
	}

	for _, step := range models.Topology(req.Type) {
		if _, err := e.providers.Get(step, provider.Route(cfg, step)); err != nil {
			return nil, err
		}
	}
	for _, name := range provider.RequiredCredentials(cfg) {
		secret, err := e.vault.Resolve(ctx, req.UserID, name)
		if err != nil {
			return nil, err
		}
		secret.Wipe()
	}

	now := time.Now().UTC()
	wf := &models.WorkflowExecution{
		ID:                uuid.New(),
		UserID:            req.UserID,
		ProjectID:         req.ProjectID,
		Type:              req.Type,
		Config:            cfg,
		Status:            models.WorkflowStatusInitializing,
		Steps:             models.NewSteps(req.Type),
		EstimatedCost:     est.Cost,
		EstimatedDuration: est.DurationSeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persisting workflow: %w", err)
	}

	if err := e.publisher.Publish(ctx, wf.ID); err != nil {
		msg := "dispatch failed"
		if uerr := e.store.UpdateWorkflowStatus(ctx, wf.ID, models.WorkflowStatusFailed,
			store.WithFromStatus(models.WorkflowStatusInitializing), store.WithError(msg)); uerr != nil {
			e.logger.Error("marking undispatched workflow failed", "workflow_id", wf.ID, "error", uerr)
		}
		return nil, fmt.Errorf("publishing workflow %s: %w", wf.ID, err)
	}

	e.metrics.WorkflowStarted(string(wf.Type))
	e.logger.Info("workflow admitted",
		"workflow_id", wf.ID, "user_id", wf.UserID, "workflow_type", wf.Type,
		"estimated_cost", wf.EstimatedCost, "estimated_duration", wf.EstimatedDuration)
	return wf, nil
}

// checkSource requires the source of a video-from-image workflow to be the
// caller's own completed workflow with an image. Foreign and unknown ids are
// reported the same way.
func (e *Engine) checkSource(ctx context.Context, userID, sourceID uuid.UUID) error {
	src, err := e.store.GetWorkflow(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && src.UserID != userID) {
		return invalid("source_workflow_id", "workflow not found")
	}
	if err != nil {
		return fmt.Errorf("loading source workflow: %w", err)
	}
	if src.Status != models.WorkflowStatusCompleted || src.Result == nil || src.Result.ImageURL == "" {
		return invalid("source_workflow_id", "must be a completed workflow with an image")
	}
	return nil
}

// Cancel stops a workflow owned by userID. An INITIALIZING workflow is
// cancelled immediately; a RUNNING one is flagged and stops before its next
// step.
func (e *Engine) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.WorkflowExecution, error) {
	wf, err := e.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(wf.Status) {
		return nil, fmt.Errorf("%w: workflow is %s", ErrInvalidTransition, wf.Status)
	}

	if wf.Status == models.WorkflowStatusInitializing {
		err := e.store.UpdateWorkflowStatus(ctx, id, models.WorkflowStatusCancelled,
			store.WithFromStatus(models.WorkflowStatusInitializing), store.WithError(models.CancelledByUser))
		switch {
		case err == nil:
			e.metrics.WorkflowFinished(string(wf.Type), models.WorkflowStatusCancelled)
			e.logger.Info("workflow cancelled before start", "workflow_id", id, "user_id", userID)
			return e.store.GetWorkflow(ctx, id)
		case !errors.Is(err, store.ErrInvalidTransition):
			return nil, fmt.Errorf("cancelling workflow: %w", err)
		}
		// A worker claimed it in the meantime.
	}

	err = e.store.RequestCancel(ctx, id)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: workflow already finished", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	e.logger.Info("workflow cancel requested", "workflow_id", id, "user_id", userID)
	return e.store.GetWorkflow(ctx, id)
}

func (e *Engine) owned(ctx context.Context, userID, id uuid.UUID) (*models.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if wf.UserID != userID {
		return nil, ErrForbidden
	}
	return wf, nil
}

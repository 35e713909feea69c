package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/estimator"
	"github.com/kiranshivaraju/genflow/internal/failure"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/media"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// execution carries the outputs of completed steps forward.
type execution struct {
	wf     *models.WorkflowExecution
	prompt string
	image  *provider.Asset
	result models.WorkflowResult
}

// stepError fails the workflow with a user-facing message.
type stepError struct {
	msg string
	err error
}

func (e *stepError) Error() string { return e.msg }
func (e *stepError) Unwrap() error { return e.err }

func failStep(step models.StepName, err error) *stepError {
	return &stepError{msg: failure.Sanitize(fmt.Sprintf("%s failed: %v", step, err)), err: err}
}

// Execute runs a persisted workflow. It is safe to call more than once for
// the same id: only the call that claims INITIALIZING -> RUNNING does work.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", id.String()),
	))
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	if wf.Status != models.WorkflowStatusInitializing {
		e.logger.Info("workflow already claimed, skipping", "workflow_id", id, "status", wf.Status)
		return nil
	}

	err = e.store.UpdateWorkflowStatus(ctx, id, models.WorkflowStatusRunning,
		store.WithFromStatus(models.WorkflowStatusInitializing))
	if errors.Is(err, store.ErrInvalidTransition) {
		e.logger.Info("workflow claimed elsewhere or cancelled, skipping", "workflow_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming workflow: %w", err)
	}
	wf.Status = models.WorkflowStatusRunning

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in workflow execution", "error", r, "workflow_id", id, "stack", string(debug.Stack()))
			e.finish(ctx, wf, models.WorkflowStatusFailed, store.WithError("internal error"))
			err = fmt.Errorf("workflow %s panicked: %v", id, r)
		}
	}()

	e.logger.Info("workflow started", "workflow_id", id, "user_id", wf.UserID, "workflow_type", wf.Type)
	if err := e.run(ctx, &execution{wf: wf, prompt: models.ConfigPrompt(wf.Config)}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, r *execution) error {
	wf := r.wf
	total := len(wf.Steps)

	for i := range wf.Steps {
		cancelled, err := e.store.IsCancelRequested(ctx, wf.ID)
		if err != nil {
			return e.abort(ctx, wf, fmt.Errorf("reading cancel flag: %w", err))
		}
		if cancelled {
			e.finish(ctx, wf, models.WorkflowStatusCancelled, store.WithError(models.CancelledByUser))
			return nil
		}

		step := &wf.Steps[i]
		started := time.Now().UTC()
		step.Status = models.StepStatusRunning
		step.StartedAt = &started
		if err := e.saveSteps(ctx, wf); err != nil {
			return e.abort(ctx, wf, err)
		}

		cost, serr := e.step(ctx, r, step.Name)
		if serr != nil {
			failed := time.Now().UTC()
			step.Status = models.StepStatusFailed
			step.CompletedAt = &failed
			if err := e.saveSteps(ctx, wf); err != nil {
				e.logger.Error("saving failed step", "workflow_id", wf.ID, "step", step.Name, "error", err)
			}
			e.logger.Warn("workflow step failed",
				"workflow_id", wf.ID,
				"step", step.Name,
				"error", serr,
				"failure_fingerprint", failure.Fingerprint(serr.Error()),
			)
			e.finish(ctx, wf, models.WorkflowStatusFailed, store.WithError(serr.Error()))
			return nil
		}

		completed := time.Now().UTC()
		step.Status = models.StepStatusCompleted
		step.CompletedAt = &completed
		step.Cost = cost
		wf.ActualCost += cost
		if err := e.saveSteps(ctx, wf); err != nil {
			return e.abort(ctx, wf, err)
		}
		e.logger.Info("workflow step completed",
			"workflow_id", wf.ID, "step", step.Name, "cost", cost, "completed", wf.CompletedSteps(), "total", total)
	}

	e.finish(ctx, wf, models.WorkflowStatusCompleted, store.WithResult(r.result), store.WithProgress(100))
	return nil
}

// step runs one provider call, stores its asset and bills it. A step that
// produced output but could not be billed is reported as failed.
func (e *Engine) step(ctx context.Context, r *execution, name models.StepName) (int, error) {
	wf := r.wf
	providerName := provider.Route(wf.Config, name)

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID.String()),
		attribute.String("step", string(name)),
		attribute.String("provider", providerName),
	))
	defer span.End()

	out, err := e.generate(ctx, r, name, providerName)
	if err != nil {
		serr := failStep(name, err)
		span.SetStatus(codes.Error, serr.Error())
		return 0, serr
	}

	if err := e.collect(ctx, r, name, out); err != nil {
		return 0, failStep(name, err)
	}

	params := estimator.StepParams{Image: out.Image, Video: out.Video}
	if params.Image == nil && params.Video == nil {
		params = estimator.ParamsFor(wf.Config, name)
	}
	cost, err := estimator.StepCost(name, params)
	if err != nil {
		return 0, failStep(name, err)
	}
	if err := e.bill(ctx, wf, name, cost); err != nil {
		return 0, failStep(name, err)
	}
	return cost, nil
}

// generate resolves the credential and calls the provider under the
// configured timeout. The secret is wiped as soon as the call returns.
func (e *Engine) generate(ctx context.Context, r *execution, name models.StepName, providerName string) (provider.StepOutput, error) {
	wf := r.wf
	p, err := e.providers.Get(name, providerName)
	if err != nil {
		return provider.StepOutput{}, err
	}

	req, err := e.request(ctx, r, name)
	if err != nil {
		return provider.StepOutput{}, err
	}

	secret, err := e.vault.Resolve(ctx, wf.UserID, providerName)
	if err != nil {
		return provider.StepOutput{}, err
	}
	defer secret.Wipe()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.Generate(callCtx, secret, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrProviderTimeout) {
		err = fmt.Errorf("%w: %s after %s", provider.ErrProviderTimeout, providerName, e.timeout)
	}
	e.metrics.ObserveStep(string(name), providerName, time.Since(start), err)

	switch {
	case errors.Is(err, provider.ErrCredentialRejected):
		e.recordValidation(ctx, wf.UserID, providerName, models.ValidationInvalid)
	case err == nil:
		e.recordValidation(ctx, wf.UserID, providerName, models.ValidationValid)
	}
	return out, err
}

func (e *Engine) recordValidation(ctx context.Context, userID uuid.UUID, providerName, status string) {
	if err := e.vault.SetValidation(ctx, userID, providerName, status); err != nil {
		e.logger.Warn("recording credential validation", "user_id", userID, "provider", providerName, "error", err)
	}
}

// request builds the provider input for name from the config and the
// outputs of earlier steps.
func (e *Engine) request(ctx context.Context, r *execution, name models.StepName) (provider.StepRequest, error) {
	req := provider.StepRequest{WorkflowID: r.wf.ID, Step: name, Prompt: r.prompt}

	switch c := r.wf.Config.(type) {
	case models.ImageOnlyConfig:
		req.Style = c.Style
		req.Image = &c.Image
	case models.CompleteConfig:
		req.Style = c.Style
		req.Image = &c.Image
		req.Video = &c.Video
		req.SourceImage = r.image
	case models.VideoFromImageConfig:
		req.Video = &c.Video
		if name == models.StepGenerateVideo {
			src, ref, err := e.sourceImage(ctx, c)
			if err != nil {
				return provider.StepRequest{}, err
			}
			req.SourceImage = src
			r.result.ThumbnailURL = ref
		}
	}
	return req, nil
}

func (e *Engine) sourceImage(ctx context.Context, c models.VideoFromImageConfig) (*provider.Asset, string, error) {
	if c.SourceWorkflowID == nil {
		return &provider.Asset{URL: c.SourceImageURL}, c.SourceImageURL, nil
	}
	src, err := e.store.GetWorkflow(ctx, *c.SourceWorkflowID)
	if err != nil {
		return nil, "", fmt.Errorf("loading source workflow: %w", err)
	}
	if src.Result == nil || src.Result.ImageURL == "" {
		return nil, "", errors.New("source workflow has no image")
	}
	ref := src.Result.ImageURL
	if media.IsExternal(ref) {
		return &provider.Asset{URL: ref}, ref, nil
	}
	data, contentType, err := e.media.Get(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("loading source image: %w", err)
	}
	return &provider.Asset{Data: data, ContentType: contentType}, ref, nil
}

// collect stores the step's asset and records it on the run.
func (e *Engine) collect(ctx context.Context, r *execution, name models.StepName, out provider.StepOutput) error {
	switch name {
	case models.StepEnhancePrompt:
		if out.Text == "" {
			return fmt.Errorf("%w: empty enhanced prompt", provider.ErrInvalidResponse)
		}
		r.prompt = out.Text
		r.result.EnhancedPrompt = out.Text
		return nil
	case models.StepGenerateImage, models.StepGenerateVideo:
		if out.Asset == nil {
			return fmt.Errorf("%w: no asset", provider.ErrInvalidResponse)
		}
		ref, err := e.saveAsset(ctx, r.wf.ID, name, out.Asset)
		if err != nil {
			return err
		}
		if name == models.StepGenerateImage {
			r.image = out.Asset
			r.result.ImageURL = ref
			r.result.ThumbnailURL = ref
		} else {
			r.result.VideoURL = ref
		}
		return nil
	}
	return fmt.Errorf("unknown step %q", name)
}

// saveAsset persists asset bytes and returns the ref; URL-only assets are
// referenced as they are.
func (e *Engine) saveAsset(ctx context.Context, id uuid.UUID, name models.StepName, asset *provider.Asset) (string, error) {
	if len(asset.Data) == 0 {
		if asset.URL == "" {
			return "", fmt.Errorf("%w: empty asset", provider.ErrInvalidResponse)
		}
		return asset.URL, nil
	}
	ref, err := e.media.Put(ctx, media.AssetKey(id.String(), string(name), asset.ContentType), asset.Data, asset.ContentType)
	if err != nil {
		return "", fmt.Errorf("storing asset: %w", err)
	}
	return ref, nil
}

// bill debits cost for one step. The idempotency key makes the single retry
// of a transient failure safe.
func (e *Engine) bill(ctx context.Context, wf *models.WorkflowExecution, name models.StepName, cost int) error {
	if cost <= 0 {
		return nil
	}
	req := ledger.DebitRequest{
		UserID: wf.UserID,
		Amount: cost,
		Reason: fmt.Sprintf("%s workflow step %s", wf.Type, name),
		Metadata: map[string]string{
			"workflow_id": wf.ID.String(),
			"step_id":     string(name),
		},
		IdempotencyKey: wf.ID.String() + ":" + string(name),
	}

	_, err := e.ledger.Debit(ctx, req)
	if err != nil && transient(err) {
		e.logger.Warn("retrying step debit", "workflow_id", wf.ID, "step", name, "error", err)
		_, err = e.ledger.Debit(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("billing %d credits: %w", cost, err)
	}
	return nil
}

func transient(err error) bool {
	return !errors.Is(err, ledger.ErrInsufficientCredits) &&
		!errors.Is(err, ledger.ErrUserNotFound) &&
		!errors.Is(err, ledger.ErrInvalidAmount) &&
		!errors.Is(err, ledger.ErrIdempotencyConflict) &&
		!errors.Is(err, context.Canceled)
}

// saveSteps persists step records and progress. Progress reaches 100 only
// with the COMPLETED transition.
func (e *Engine) saveSteps(ctx context.Context, wf *models.WorkflowExecution) error {
	progress := models.ProgressFor(wf.CompletedSteps(), len(wf.Steps))
	if progress >= 100 {
		progress = 99
	}
	if progress > wf.Progress {
		wf.Progress = progress
	}
	if err := e.store.UpdateWorkflowSteps(ctx, wf.ID, wf.Steps, wf.Progress, wf.ActualCost); err != nil {
		return fmt.Errorf("saving steps: %w", err)
	}
	return nil
}

// abort fails the workflow after a persistence error and returns the error
// so the dispatcher can log it.
func (e *Engine) abort(ctx context.Context, wf *models.WorkflowExecution, err error) error {
	msg := failure.Sanitize(err.Error())
	e.logger.Error("workflow aborted", "workflow_id", wf.ID, "error", msg, "failure_fingerprint", failure.Fingerprint(msg))
	e.finish(ctx, wf, models.WorkflowStatusFailed, store.WithError(msg))
	return err
}

// finish moves a RUNNING workflow to a terminal status, writing the final
// step records and billed total with it so the record matches the ledger
// even when an earlier step save failed. The write is not tied to the
// caller's cancellation: a workflow left RUNNING is never claimed again.
func (e *Engine) finish(ctx context.Context, wf *models.WorkflowExecution, status string, opts ...store.WorkflowUpdateOption) {
	ctx = context.WithoutCancel(ctx)
	opts = append(opts,
		store.WithFromStatus(models.WorkflowStatusRunning),
		store.WithSteps(wf.Steps),
		store.WithActualCost(wf.ActualCost),
	)
	if err := e.store.UpdateWorkflowStatus(ctx, wf.ID, status, opts...); err != nil {
		e.logger.Error("recording terminal status", "workflow_id", wf.ID, "status", status, "error", err)
		return
	}
	wf.Status = status
	e.metrics.WorkflowFinished(string(wf.Type), status)
	e.logger.Info("workflow finished",
		"workflow_id", wf.ID, "user_id", wf.UserID, "status", status,
		"actual_cost", wf.ActualCost, "estimated_cost", wf.EstimatedCost)
}

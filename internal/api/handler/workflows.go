package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/estimator"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/tracker"
	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Workflows is what the workflow handlers need from the engine.
type Workflows interface {
	Start(ctx context.Context, req workflow.StartRequest) (*models.WorkflowExecution, error)
	Estimate(t models.WorkflowType, raw json.RawMessage) (estimator.Estimate, error)
	Cancel(ctx context.Context, userID, id uuid.UUID) (*models.WorkflowExecution, error)
}

// Statuses is what the read handlers need from the tracker.
type Statuses interface {
	Status(ctx context.Context, userID, id uuid.UUID) (tracker.Projection, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]tracker.Projection, int, error)
}

type startRequest struct {
	WorkflowType models.WorkflowType `json:"workflow_type"`
	ProjectID    *uuid.UUID          `json:"project_id,omitempty"`
	Config       json.RawMessage     `json:"config"`
}

type startResponse struct {
	WorkflowID        uuid.UUID           `json:"workflow_id"`
	WorkflowType      models.WorkflowType `json:"workflow_type"`
	Status            string              `json:"status"`
	EstimatedCost     int                 `json:"estimated_cost"`
	EstimatedDuration int                 `json:"estimated_duration"`
	Steps             []models.Step       `json:"steps"`
}

func decodeStart(w http.ResponseWriter, r *http.Request) (startRequest, bool) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return req, false
	}
	if req.WorkflowType == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "workflow_type is required", nil)
		return req, false
	}
	if len(req.Config) == 0 || string(req.Config) == "null" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "config is required", nil)
		return req, false
	}
	return req, true
}

// NewStartWorkflowHandler returns an http.HandlerFunc for POST /api/v1/workflows.
func NewStartWorkflowHandler(svc Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		req, ok := decodeStart(w, r)
		if !ok {
			return
		}

		wf, err := svc.Start(r.Context(), workflow.StartRequest{
			UserID:    userID,
			ProjectID: req.ProjectID,
			Type:      req.WorkflowType,
			Config:    req.Config,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}

		response.Accepted(w, startResponse{
			WorkflowID:        wf.ID,
			WorkflowType:      wf.Type,
			Status:            wf.Status,
			EstimatedCost:     wf.EstimatedCost,
			EstimatedDuration: wf.EstimatedDuration,
			Steps:             wf.Steps,
		})
	}
}

// NewEstimateHandler returns an http.HandlerFunc for POST /api/v1/workflows/estimate.
// It validates and prices a request without starting it.
func NewEstimateHandler(svc Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeStart(w, r)
		if !ok {
			return
		}
		est, err := svc.Estimate(req.WorkflowType, req.Config)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, est)
	}
}

// NewGetWorkflowHandler returns an http.HandlerFunc for GET /api/v1/workflows/{workflowID}.
func NewGetWorkflowHandler(svc Statuses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "workflowID must be a UUID", nil)
			return
		}

		p, err := svc.Status(r.Context(), userID, id)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewListWorkflowsHandler returns an http.HandlerFunc for GET /api/v1/workflows.
func NewListWorkflowsHandler(svc Statuses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		q := r.URL.Query()
		page := queryInt(q.Get("page"), 1, 1, 1<<20)
		limit := queryInt(q.Get("limit"), 20, 1, 100)
		filter := store.WorkflowFilter{
			UserID: userID,
			Status: q.Get("status"),
			Type:   models.WorkflowType(q.Get("workflow_type")),
			Page:   page,
			Limit:  limit,
		}
		if filter.Type != "" && !filter.Type.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown workflow_type", nil)
			return
		}

		items, total, err := svc.List(r.Context(), filter)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, items, response.NewPaginationMeta(page, limit, total))
	}
}

// NewCancelWorkflowHandler returns an http.HandlerFunc for POST /api/v1/workflows/{workflowID}/cancel.
func NewCancelWorkflowHandler(svc Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "workflowID must be a UUID", nil)
			return
		}

		wf, err := svc.Cancel(r.Context(), userID, id)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"workflow_id":      wf.ID,
			"status":           wf.Status,
			"cancel_requested": wf.CancelRequested,
		})
	}
}

// queryInt parses v, falling back to def and clamping to [lo, hi].
func queryInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return min(max(n, lo), hi)
}

package tracker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/media"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/tracker"
	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixture(status string) *models.WorkflowExecution {
	started := base
	steps := models.NewSteps(models.WorkflowImageOnly)
	wf := &models.WorkflowExecution{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Type:              models.WorkflowImageOnly,
		Status:            status,
		Steps:             steps,
		EstimatedCost:     7,
		EstimatedDuration: 30,
		CreatedAt:         base,
		UpdatedAt:         base,
	}
	if status != models.WorkflowStatusInitializing {
		wf.StartedAt = &started
	}
	return wf
}

// ─── Project ───

func TestProject_Initializing(t *testing.T) {
	p := tracker.Project(fixture(models.WorkflowStatusInitializing), base.Add(time.Minute))

	assert.Equal(t, 0, p.Progress)
	assert.Nil(t, p.CurrentStep)
	assert.Nil(t, p.EstimatedTimeRemaining)
	assert.Equal(t, 7, p.TotalCost)
}

func TestProject_RunningMidway(t *testing.T) {
	wf := fixture(models.WorkflowStatusRunning)
	wf.Steps[0].Status = models.StepStatusCompleted
	wf.Steps[0].Cost = 2
	wf.Steps[1].Status = models.StepStatusRunning
	wf.ActualCost = 2

	p := tracker.Project(wf, base.Add(10*time.Second))
	assert.Equal(t, 50, p.Progress)
	require.NotNil(t, p.CurrentStep)
	assert.Equal(t, models.StepGenerateImage, *p.CurrentStep)
	require.NotNil(t, p.EstimatedTimeRemaining)
	assert.Equal(t, 20, *p.EstimatedTimeRemaining)
	assert.Equal(t, 2, p.TotalCost)
}

func TestProject_RunningOverdue(t *testing.T) {
	wf := fixture(models.WorkflowStatusRunning)
	wf.Steps[0].Status = models.StepStatusRunning

	p := tracker.Project(wf, base.Add(5*time.Minute))
	require.NotNil(t, p.EstimatedTimeRemaining)
	assert.Equal(t, 0, *p.EstimatedTimeRemaining)
	assert.Equal(t, 7, p.TotalCost, "nothing billed yet")
}

func TestProject_AllStepsDoneButNotCompleted(t *testing.T) {
	wf := fixture(models.WorkflowStatusRunning)
	for i := range wf.Steps {
		wf.Steps[i].Status = models.StepStatusCompleted
	}
	p := tracker.Project(wf, base)
	assert.Equal(t, 99, p.Progress)
}

func TestProject_Terminal(t *testing.T) {
	done := fixture(models.WorkflowStatusCompleted)
	for i := range done.Steps {
		done.Steps[i].Status = models.StepStatusCompleted
	}
	done.ActualCost = 7
	p := tracker.Project(done, base.Add(time.Hour))
	assert.Equal(t, 100, p.Progress)
	assert.Nil(t, p.EstimatedTimeRemaining)
	assert.Nil(t, p.CurrentStep)
	assert.Equal(t, 7, p.TotalCost)

	msg := "generate_image failed: provider failure"
	failed := fixture(models.WorkflowStatusFailed)
	failed.Steps[0].Status = models.StepStatusFailed
	failed.Error = &msg
	p = tracker.Project(failed, base)
	assert.Equal(t, 0, p.TotalCost, "terminal workflows report actual cost")
	assert.Equal(t, &msg, p.Error)
}

// ─── Status ───

type countingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	reads int
}

func (s *countingStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.MemoryStore.GetWorkflow(ctx, id)
}

func seed(t *testing.T, st *countingStore, wf *models.WorkflowExecution) {
	t.Helper()
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
}

func TestStatus_Ownership(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	wf := fixture(models.WorkflowStatusRunning)
	seed(t, st, wf)
	tr := tracker.New(st)

	_, err := tr.Status(context.Background(), uuid.New(), wf.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = tr.Status(context.Background(), wf.UserID, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	p, err := tr.Status(context.Background(), wf.UserID, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, p.WorkflowID)
}

func TestStatus_CachesTerminalOnly(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	c := cache.NewMemoryCache()
	tr := tracker.New(st, tracker.WithCache(c), tracker.WithClock(func() time.Time { return base }))

	running := fixture(models.WorkflowStatusRunning)
	seed(t, st, running)
	for i := 0; i < 3; i++ {
		_, err := tr.Status(context.Background(), running.UserID, running.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, st.reads)
	_, ok, _ := c.GetWorkflowSnapshot(context.Background(), running.ID)
	assert.False(t, ok)

	done := fixture(models.WorkflowStatusCompleted)
	done.ActualCost = 7
	seed(t, st, done)
	st.reads = 0
	for i := 0; i < 3; i++ {
		p, err := tr.Status(context.Background(), done.UserID, done.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, p.Progress)
	}
	assert.Equal(t, 1, st.reads)

	_, err := tr.Status(context.Background(), uuid.New(), done.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden, "cached reads are access-checked")
}

func TestStatus_SignsStoredRefs(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	m := media.NewMemoryStore()
	ref, err := m.Put(context.Background(), "workflows/x/generate_image.png", []byte("png"), "image/png")
	require.NoError(t, err)

	wf := fixture(models.WorkflowStatusCompleted)
	wf.Result = &models.WorkflowResult{ImageURL: ref, ThumbnailURL: ref, VideoURL: "https://cdn.example.com/v.mp4"}
	seed(t, st, wf)

	tr := tracker.New(st, tracker.WithMedia(m), tracker.WithCache(cache.NewMemoryCache()))
	for i := 0; i < 2; i++ {
		p, err := tr.Status(context.Background(), wf.UserID, wf.ID)
		require.NoError(t, err)
		require.NotNil(t, p.Result)
		assert.Equal(t, "memory://"+ref, p.Result.ImageURL)
		assert.Equal(t, "memory://"+ref, p.Result.ThumbnailURL)
		assert.Equal(t, "https://cdn.example.com/v.mp4", p.Result.VideoURL)
	}

	stored, err := st.MemoryStore.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, ref, stored.Result.ImageURL, "signing never writes back")
}

func TestList(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	user := uuid.New()
	for i := 0; i < 3; i++ {
		wf := fixture(models.WorkflowStatusInitializing)
		wf.UserID = user
		wf.CreatedAt = base.Add(time.Duration(i) * time.Second)
		seed(t, st, wf)
	}
	seed(t, st, fixture(models.WorkflowStatusInitializing))

	tr := tracker.New(st)
	got, total, err := tr.List(context.Background(), store.WorkflowFilter{UserID: user, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, got, 2)
}

package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// recordingExecutor records every id it executes.
type recordingExecutor struct {
	mu      sync.Mutex
	ids     []uuid.UUID
	fn      func(id uuid.UUID) error
	running atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
}

func (e *recordingExecutor) Execute(_ context.Context, id uuid.UUID) error {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.hold)

	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(id)
	}
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ids)
}

type executorFunc func(ctx context.Context, id uuid.UUID) error

func (f executorFunc) Execute(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

// ─── Local ───

func TestLocal_ExecutesEveryPublishedWorkflow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := dispatch.NewLocal(3, 16, dispatch.WithLocalMetrics(m))
	exec := &recordingExecutor{hold: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx, exec)
		close(done)
	}()

	want := map[uuid.UUID]bool{}
	for i := 0; i < 10; i++ {
		id := uuid.New()
		want[id] = true
		require.NoError(t, d.Publish(context.Background(), id))
	}

	assert.Eventually(t, func() bool { return exec.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	for _, id := range exec.ids {
		assert.True(t, want[id])
	}
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
	assert.Greater(t, exec.peak.Load(), int32(1))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.DispatchTotal.WithLabelValues("local", "ok")))
}

func TestLocal_InFlightWorkflowOutlivesRunContext(t *testing.T) {
	d := dispatch.NewLocal(1, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	var execErr error
	exec := executorFunc(func(ctx context.Context, _ uuid.UUID) error {
		close(started)
		<-release
		execErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx, exec)
		close(done)
	}()

	require.NoError(t, d.Publish(context.Background(), uuid.New()))
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a workflow was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the workflow finished")
	}
	assert.NoError(t, execErr)
}

func TestLocal_ExecutorErrorsAndPanicsDoNotStopWorkers(t *testing.T) {
	d := dispatch.NewLocal(1, 4)
	var calls atomic.Int32
	exec := &recordingExecutor{fn: func(uuid.UUID) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("store down")
		case 2:
			panic("boom")
		}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx, exec) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Publish(context.Background(), uuid.New()))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocal_PublishAfterClose(t *testing.T) {
	d := dispatch.NewLocal(1, 1)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.Publish(context.Background(), uuid.New())
	assert.ErrorIs(t, err, dispatch.ErrClosed)
}

func TestLocal_PublishRespectsContextWhenFull(t *testing.T) {
	d := dispatch.NewLocal(1, 1)
	require.NoError(t, d.Publish(context.Background(), uuid.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Publish(ctx, uuid.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_CloseReleasesBlockedPublish(t *testing.T) {
	d := dispatch.NewLocal(1, 1)
	require.NoError(t, d.Publish(context.Background(), uuid.New()))

	published := make(chan error, 1)
	go func() { published <- d.Publish(context.Background(), uuid.New()) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending Publish")
	}
	select {
	case err := <-published:
		assert.ErrorIs(t, err, dispatch.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Publish still blocked after Close")
	}
}

func TestLocal_RunReturnsAfterClose(t *testing.T) {
	d := dispatch.NewLocal(2, 1)
	done := make(chan struct{})
	go func() {
		_ = d.Run(context.Background(), &recordingExecutor{})
		close(done)
	}()

	require.NoError(t, d.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

// ─── JetStream ───

func setupNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return "nats://" + host + ":" + port.Port()
}

func TestJetStream_DeliversAndRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupNATS(t)
	cfg := config.NATSConfig{URL: url, Subject: "genflow.workflows.start", Durable: "genflow-test"}

	d, err := dispatch.NewJetStream(cfg, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	flaky := uuid.New()
	var flakyCalls atomic.Int32
	exec := &recordingExecutor{fn: func(id uuid.UUID) error {
		if id == flaky && flakyCalls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx, exec) }()

	ok := uuid.New()
	require.NoError(t, d.Publish(context.Background(), ok))
	require.NoError(t, d.Publish(context.Background(), flaky))
	// Same id inside the duplicate window is stored once.
	require.NoError(t, d.Publish(context.Background(), ok))

	assert.Eventually(t, func() bool { return flakyCalls.Load() == 2 }, 30*time.Second, 100*time.Millisecond)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	seen := map[uuid.UUID]int{}
	for _, id := range exec.ids {
		seen[id]++
	}
	assert.Equal(t, 1, seen[ok])
	assert.Equal(t, 2, seen[flaky])
}

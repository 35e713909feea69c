package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/nats-io/nats.go"
)

const (
	streamName  = "GENFLOW_WORKFLOWS"
	fetchWait   = 5 * time.Second
	nakDelay    = 10 * time.Second
	maxDeliver  = 5
	ackWaitSlop = time.Minute
)

// startEvent is the JSON payload of a start message.
type startEvent struct {
	WorkflowID  uuid.UUID `json:"workflow_id"`
	PublishedAt time.Time `json:"published_at"`
}

// JetStream is a Dispatcher backed by a NATS JetStream work-queue stream and
// a durable pull consumer shared by every worker process.
type JetStream struct {
	nc          *nats.Conn
	js          nats.JetStreamContext
	subject     string
	durable     string
	concurrency int
	ackWait     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	closeOnce   sync.Once
}

type JetStreamOption func(*JetStream)

func WithLogger(l *slog.Logger) JetStreamOption {
	return func(d *JetStream) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) JetStreamOption {
	return func(d *JetStream) { d.metrics = m }
}

// WithExecutionTimeout sets how long a worker may hold a message before
// JetStream redelivers it.
func WithExecutionTimeout(d time.Duration) JetStreamOption {
	return func(j *JetStream) {
		if d > 0 {
			j.ackWait = d + ackWaitSlop
		}
	}
}

// NewJetStream connects to NATS and makes sure the work-queue stream exists.
func NewJetStream(cfg config.NATSConfig, concurrency int, opts ...JetStreamOption) (*JetStream, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("genflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	d := &JetStream{
		nc:          nc,
		js:          js,
		subject:     cfg.Subject,
		durable:     cfg.Durable,
		concurrency: concurrency,
		ackWait:     10 * time.Minute,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return d, nil
}

func (d *JetStream) ensureStream() error {
	_, err := d.js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", streamName, err)
	}
	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{d.subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", streamName, err)
	}
	return nil
}

// Publish appends a start event. The workflow id doubles as the message id,
// so a retried publish inside the duplicate window is stored once.
func (d *JetStream) Publish(ctx context.Context, id uuid.UUID) error {
	body, err := json.Marshal(startEvent{WorkflowID: id, PublishedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = d.js.Publish(d.subject, body, nats.Context(ctx), nats.MsgId(id.String()))
	d.metrics.Dispatched("nats", err)
	if err != nil {
		return fmt.Errorf("publishing start event: %w", err)
	}
	return nil
}

// Run pulls start events with concurrency fetch loops until ctx is cancelled.
// A message is acked only after Execute returns; failures are redelivered up
// to maxDeliver times.
func (d *JetStream) Run(ctx context.Context, exec Executor) error {
	sub, err := d.js.PullSubscribe(d.subject, d.durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(d.ackWait),
		nats.MaxDeliver(maxDeliver),
		nats.BindStream(streamName),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", d.subject, err)
	}
	defer func() {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			d.logger.Warn("draining subscription", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.loop(ctx, sub, exec, worker)
		}(i)
	}
	d.logger.Info("jetstream workers started",
		"subject", d.subject, "durable", d.durable, "concurrency", d.concurrency)
	wg.Wait()
	return nil
}

func (d *JetStream) loop(ctx context.Context, sub *nats.Subscription, exec Executor, worker int) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
		if errors.Is(err, nats.ErrTimeout) {
			continue
		}
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			d.logger.Warn("fetching start events", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			d.handle(ctx, exec, worker, msg)
		}
	}
}

func (d *JetStream) handle(ctx context.Context, exec Executor, worker int, msg *nats.Msg) {
	var ev startEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.WorkflowID == uuid.Nil {
		d.logger.Error("discarding malformed start event", "worker", worker, "error", err)
		_ = msg.Term()
		return
	}

	err := d.execute(ctx, exec, ev.WorkflowID)
	if err != nil {
		d.logger.Error("workflow execution failed", "worker", worker, "workflow_id", ev.WorkflowID, "error", err)
		if nerr := msg.NakWithDelay(nakDelay); nerr != nil {
			d.logger.Warn("nak start event", "workflow_id", ev.WorkflowID, "error", nerr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		d.logger.Warn("ack start event", "workflow_id", ev.WorkflowID, "error", err)
	}
}

func (d *JetStream) execute(ctx context.Context, exec Executor, id uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in worker", "workflow_id", id, "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(context.WithoutCancel(ctx), id)
}

func (d *JetStream) Close() error {
	d.closeOnce.Do(func() {
		if err := d.nc.Drain(); err != nil {
			d.nc.Close()
		}
	})
	return nil
}

var _ Dispatcher = (*JetStream)(nil)

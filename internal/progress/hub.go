package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/zipmailer/internal/metrics"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: events held between Emit and the batching goroutine (default 1024).
//   - MaxBatchEvents: flush once this many events are pending (default 256).
//   - MaxBatchWait: flush this long after the first pending event (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
	maxOverflow           = 256
)

// Hub batches pipeline progress events and fans them out to sinks on a
// background goroutine. Emit never blocks. A JOB_DONE or JOB_ERROR event
// flushes the pending batch at once, so sinks see a job's whole trail as soon
// as it ends. When the buffer is full, intermediate stages are dropped and
// counted per stage while terminal events wait in a small overflow list.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	kick    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog *rate.Sometimes

	mu       sync.Mutex
	overflow []Event
	dropped  map[Stage]int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready to accept
// events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: &rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch. Invalid events and events emitted after
// Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Stage.Terminal() && h.holdOver(evt) {
		return
	}
	h.drop(evt)
}

func (h *Hub) holdOver(evt Event) bool {
	h.mu.Lock()
	if len(h.overflow) >= maxOverflow {
		h.mu.Unlock()
		return false
	}
	h.overflow = append(h.overflow, evt)
	h.mu.Unlock()
	select {
	case h.kick <- struct{}{}:
	default:
	}
	return true
}

func (h *Hub) takeOverflow() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.overflow
	h.overflow = nil
	return out
}

func (h *Hub) drop(evt Event) {
	metrics.ObserveProgressDropped(string(evt.Stage))
	h.mu.Lock()
	if h.dropped == nil {
		h.dropped = make(map[Stage]int64)
	}
	h.dropped[evt.Stage]++
	h.mu.Unlock()
	if h.dropLog == nil {
		return
	}
	h.dropLog.Do(func() {
		h.mu.Lock()
		counts := h.dropped
		h.dropped = nil
		h.mu.Unlock()
		fields := make([]zap.Field, 0, len(counts))
		for stage, n := range counts {
			fields = append(fields, zap.Int64(string(stage), n))
		}
		h.logger.Warn("progress events dropped due to backpressure",
			zap.String("job_id", evt.JobID),
			zap.Dict("dropped", fields...),
		)
	})
}

// Close drains pending events, flushes sinks, and waits for the batching
// goroutine to exit. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batcher{hub: h, timer: time.NewTimer(h.cfg.MaxBatchWait)}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-h.kick:
			b.addAll(h.takeOverflow())
		case <-b.timer.C:
			b.flush()
		case <-h.stopCh:
			b.drain()
			b.addAll(h.takeOverflow())
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// batcher accumulates events between flushes. It is owned by run.
type batcher struct {
	hub     *Hub
	pending []Event
	timer   *time.Timer
}

func (b *batcher) add(evt Event) {
	if len(b.pending) == 0 {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
	}
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.hub.cfg.MaxBatchEvents || evt.Stage.Terminal() {
		b.flush()
	}
}

func (b *batcher) addAll(events []Event) {
	for _, evt := range events {
		b.add(evt)
	}
}

func (b *batcher) drain() {
	for {
		select {
		case evt := <-b.hub.events:
			b.add(evt)
		default:
			return
		}
	}
}

func (b *batcher) flush() {
	b.timer.Stop()
	if len(b.pending) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.pending...))
	b.pending = b.pending[:0]
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

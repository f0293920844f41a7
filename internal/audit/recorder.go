// Package audit records administrative actions on a best-effort trail.
package audit

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/audit/domain"
	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/observability/metrics"
)

// Sink receives drained audit events.
type Sink interface {
	Write(ctx context.Context, event domain.Event) error
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a sink backed by the application logger.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit.sink")}
}

func (s *LogSink) Write(_ context.Context, event domain.Event) error {
	s.log.Info("audit event",
		zap.String("event_id", event.ID.String()),
		zap.String("organization_id", event.OrgID),
		zap.String("actor_id", event.ActorID),
		zap.String("actor_role", event.ActorRole),
		zap.String("action", string(event.Action)),
		zap.String("reason", event.Reason),
		zap.Any("metadata", event.Metadata),
		zap.Time("at", event.At),
	)
	return nil
}

// Recorder buffers audit events and drains them on a background goroutine.
// Record never blocks; events are dropped and counted when the buffer is
// full so a slow sink cannot stall the operation that produced them.
type Recorder struct {
	events  chan domain.Event
	node    *snowflake.Node
	clock   clock.Clock
	sink    Sink
	metrics *metrics.Metrics
	log     *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRecorder builds a recorder with the given buffer size.
func NewRecorder(bufferSize int, node *snowflake.Node, clk clock.Clock, sink Sink, m *metrics.Metrics, log *zap.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Recorder{
		events:  make(chan domain.Event, bufferSize),
		node:    node,
		clock:   clk,
		sink:    sink,
		metrics: m,
		log:     log.Named("audit.recorder"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *Recorder) Start() {
	go r.run()
}

// Stop drains buffered events and shuts the loop down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record enqueues an event. The ID and timestamp are assigned here so
// callers only describe what happened.
func (r *Recorder) Record(ctx context.Context, event domain.Event) {
	event.ID = r.node.Generate()
	event.At = r.clock.Now()

	select {
	case r.events <- event:
	default:
		r.metrics.RecordAuditEventDropped(ctx)
		r.log.Warn("audit buffer full, dropping event",
			zap.String("organization_id", event.OrgID),
			zap.String("action", string(event.Action)),
		)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case event := <-r.events:
			r.write(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.events:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event domain.Event) {
	if err := r.sink.Write(context.Background(), event); err != nil {
		r.log.Warn("audit sink write failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}

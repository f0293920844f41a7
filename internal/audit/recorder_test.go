package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/audit/domain"
	"github.com/smallbiznis/quotaledger/internal/clock"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
	block  chan struct{}
}

func (s *captureSink) Write(_ context.Context, event domain.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func newTestRecorder(t *testing.T, bufferSize int, sink Sink) *Recorder {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewRecorder(bufferSize, node, clk, sink, nil, zap.NewNop())
}

func TestRecorderDrainsEvents(t *testing.T) {
	sink := &captureSink{}
	recorder := newTestRecorder(t, 16, sink)
	recorder.Start()

	recorder.Record(context.Background(), domain.Event{
		OrgID:   "42",
		ActorID: "admin-1",
		Action:  domain.ActionTierOverride,
		Reason:  "sales deal",
	})
	recorder.Record(context.Background(), domain.Event{
		OrgID:  "42",
		Action: domain.ActionSuspend,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, recorder.Stop(ctx))

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionTierOverride, events[0].Action)
	assert.Equal(t, "42", events[0].OrgID)
	assert.NotZero(t, events[0].ID)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), events[0].At)
	assert.Equal(t, domain.ActionSuspend, events[1].Action)
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	recorder := newTestRecorder(t, 2, sink)

	// Loop not started, so the buffer fills after two events.
	for i := 0; i < 5; i++ {
		recorder.Record(context.Background(), domain.Event{
			OrgID:  "42",
			Action: domain.ActionCancel,
		})
	}

	close(sink.block)
	recorder.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, recorder.Stop(ctx))

	assert.Len(t, sink.snapshot(), 2)
}

func TestRecorderStopDrainsBacklog(t *testing.T) {
	sink := &captureSink{}
	recorder := newTestRecorder(t, 16, sink)

	for i := 0; i < 8; i++ {
		recorder.Record(context.Background(), domain.Event{
			OrgID:  "7",
			Action: domain.ActionReactivate,
		})
	}

	recorder.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, recorder.Stop(ctx))

	assert.Len(t, sink.snapshot(), 8)
}

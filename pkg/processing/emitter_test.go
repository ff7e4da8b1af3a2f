package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

type collectingSink struct {
	mu     sync.Mutex
	events []models.CorrelatedEvent
	err    error
}

func (s *collectingSink) Publish(_ context.Context, event models.CorrelatedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *collectingSink) ids() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventID()
	}
	return out
}

func completed(n int) *models.Completed {
	return &models.Completed{
		ID:          uuid.New(),
		Cast:        cast(models.EntityID(n), 100, 0, 3000),
		SucceededAt: int64(n),
	}
}

func TestEmitter_DeliversInOrder(t *testing.T) {
	sink := &collectingSink{}
	e := NewEmitter(sink, 16, nil)

	var want []uuid.UUID
	for i := 0; i < 10; i++ {
		ev := completed(i)
		want = append(want, ev.ID)
		require.NoError(t, e.Publish(ev))
	}
	e.Close()

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, want, sink.ids())
	assert.Equal(t, uint64(0), e.Dropped())
}

func TestEmitter_DropsOldest(t *testing.T) {
	sink := &collectingSink{}
	e := NewEmitter(sink, 2, nil)

	first, second, third := completed(1), completed(2), completed(3)
	require.NoError(t, e.Publish(first))
	require.NoError(t, e.Publish(second))
	// 没有发送协程时也不会阻塞
	require.NoError(t, e.Publish(third))

	assert.Equal(t, uint64(1), e.Dropped())
	assert.Equal(t, 2, e.Pending())

	e.Close()
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []uuid.UUID{second.ID, third.ID}, sink.ids())
}

func TestEmitter_PublishAfterClose(t *testing.T) {
	e := NewEmitter(&collectingSink{}, 4, nil)
	e.Close()
	e.Close()

	assert.ErrorIs(t, e.Publish(completed(1)), common.ErrClosed)
}

func TestEmitter_SinkErrorDoesNotStopRun(t *testing.T) {
	sink := &collectingSink{err: errors.New("downstream unavailable")}
	e := NewEmitter(sink, 4, nil)

	require.NoError(t, e.Publish(completed(1)))
	require.NoError(t, e.Publish(completed(2)))
	e.Close()

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(2), e.Failed())
}

func TestEmitter_RunStopsOnContext(t *testing.T) {
	e := NewEmitter(&collectingSink{}, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEmitter_ConcurrentPublishNeverBlocks(t *testing.T) {
	e := NewEmitter(&collectingSink{}, 8, nil)

	const publishers, perPublisher = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				assert.NoError(t, e.Publish(completed(j)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, e.Pending())
	assert.Equal(t, uint64(publishers*perPublisher-8), e.Dropped())
}

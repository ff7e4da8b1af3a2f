package processing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata-service/pkg/catalog"
	"livedata-service/pkg/common"
	"livedata-service/pkg/ingestion"
	"livedata-service/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.CorrelatedEvent
}

func (r *recordingPublisher) Publish(event models.CorrelatedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) all() []models.CorrelatedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CorrelatedEvent(nil), r.events...)
}

type unresolvedReport struct {
	cast   models.ActiveCast
	reason models.UnresolvedReason
}

type recordingReporter struct {
	mu         sync.Mutex
	unresolved []unresolvedReport
	unmatched  []error
}

func (r *recordingReporter) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unresolved = append(r.unresolved, unresolvedReport{cast: cast, reason: reason})
}

func (r *recordingReporter) UnmatchedResolution(_ models.RawEvent, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmatched = append(r.unmatched, err)
}

func spellCatalog() *catalog.MemoryCatalog {
	return catalog.NewMemoryCatalog(
		catalog.SpellEntry{ID: 100, Category: models.SpellCategoryCast, CastTime: 3000},
		catalog.SpellEntry{ID: 101, Category: models.SpellCategoryCast},
		catalog.SpellEntry{ID: 200, Category: models.SpellCategoryInstant},
		catalog.SpellEntry{ID: 30449, Category: models.SpellCategoryInstant},
	)
}

func newTestProcessor(t *testing.T) (*Processor, *recordingPublisher, *recordingReporter) {
	t.Helper()
	spells := spellCatalog()
	pub := &recordingPublisher{}
	rep := &recordingReporter{}
	p := NewProcessor(ingestion.NewDecoder(spells), spells, pub, Options{
		Shards:            4,
		DefaultCastWindow: 10 * time.Second,
		Reporter:          rep,
	})
	return p, pub, rep
}

func castStart(actor, spell uint64, ts int64, castTime int64) []byte {
	if castTime > 0 {
		return []byte(fmt.Sprintf(`{"kind":"cast_start","timestamp":%d,"actor_id":%d,"spell_id":%d,"cast_time":%d}`, ts, actor, spell, castTime))
	}
	return []byte(fmt.Sprintf(`{"kind":"cast_start","timestamp":%d,"actor_id":%d,"spell_id":%d}`, ts, actor, spell))
}

func castSuccess(actor, spell uint64, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"kind":"cast_success","timestamp":%d,"actor_id":%d,"spell_id":%d}`, ts, actor, spell))
}

func interrupt(by, target, spell uint64, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"kind":"interrupt","timestamp":%d,"actor_id":%d,"target_id":%d,"spell_id":%d}`, ts, by, target, spell))
}

func steal(by, target, spell uint64, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"kind":"spell_steal","timestamp":%d,"actor_id":%d,"target_id":%d,"spell_id":%d}`, ts, by, target, spell))
}

func TestProcessor_InterruptScenario(t *testing.T) {
	p, pub, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 3000)))
	require.NoError(t, p.Process(ctx, interrupt(9, 7, 200, 1000)))

	events := pub.all()
	require.Len(t, events, 1)
	in, ok := events[0].(*models.Interrupted)
	require.True(t, ok)
	assert.Equal(t, models.SpellID(100), in.Cast.SpellID)
	assert.Equal(t, models.EntityID(7), in.Cast.CasterID)
	assert.Equal(t, int64(3000), in.Cast.Deadline)
	assert.Equal(t, models.EntityID(9), in.InterrupterID)
	assert.Equal(t, models.SpellID(200), in.InterruptSpellID)
	assert.Empty(t, p.Registry().Snapshot(models.EntityPtr(7)))
}

func TestProcessor_CompletionScenario(t *testing.T) {
	p, pub, rep := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 0)))
	require.NoError(t, p.Process(ctx, castSuccess(7, 100, 2000)))

	events := pub.all()
	require.Len(t, events, 1)
	done, ok := events[0].(*models.Completed)
	require.True(t, ok)
	assert.Equal(t, int64(2000), done.SucceededAt)
	// 记录没有 cast_time，取目录中的施法时长
	assert.Equal(t, int64(3000), done.Cast.Deadline)

	err := p.Process(ctx, interrupt(9, 7, 200, 3000))
	assert.True(t, errors.Is(err, common.ErrUnmatchedInterrupt))
	assert.Len(t, pub.all(), 1)
	require.Len(t, rep.unmatched, 1)
	assert.True(t, errors.Is(rep.unmatched[0], common.ErrUnmatchedInterrupt))
}

func TestProcessor_ExactlyOneEventPerResolution(t *testing.T) {
	resolutions := map[string][]byte{
		"completion": castSuccess(7, 100, 1000),
		"interrupt":  interrupt(9, 7, 200, 1000),
		"steal":      steal(3, 7, 30449, 1000),
	}
	unmatched := map[string]error{
		"completion": common.ErrUnmatchedCompletion,
		"interrupt":  common.ErrUnmatchedInterrupt,
		"steal":      common.ErrUnmatchedSteal,
	}

	for name, resolution := range resolutions {
		t.Run(name, func(t *testing.T) {
			p, pub, _ := newTestProcessor(t)
			ctx := context.Background()

			start := castStart(7, 100, 0, 2500)
			require.NoError(t, p.Process(ctx, start))
			require.NoError(t, p.Process(ctx, resolution))

			assert.Equal(t, 0, p.Registry().Len())
			events := pub.all()
			require.Len(t, events, 1)
			assert.Equal(t, models.ActiveCast{CasterID: 7, SpellID: 100, StartedAt: 0, Deadline: 2500}, events[0].OriginalCast())

			// 重放不会产生第二个事件
			err := p.Process(ctx, resolution)
			assert.True(t, errors.Is(err, unmatched[name]), "got %v", err)
			assert.Len(t, pub.all(), 1)
		})
	}
}

func TestProcessor_InterruptPicksLatestCast(t *testing.T) {
	p, pub, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 5000)))
	require.NoError(t, p.Process(ctx, castStart(7, 101, 500, 5000)))
	require.NoError(t, p.Process(ctx, interrupt(9, 7, 200, 1000)))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.SpellID(101), events[0].OriginalCast().SpellID)
	assert.Equal(t, 1, p.Registry().Len())
}

func TestProcessor_SweepReportsExpired(t *testing.T) {
	p, pub, rep := newTestProcessor(t)
	ctx := context.Background()

	const start = int64(10_000)
	require.NoError(t, p.Process(ctx, castStart(7, 100, start, 5000)))

	assert.Equal(t, 0, p.Sweep(start+5000))
	assert.Equal(t, 1, p.Sweep(start+6000))

	assert.Empty(t, pub.all())
	require.Len(t, rep.unresolved, 1)
	assert.Equal(t, models.ReasonExpired, rep.unresolved[0].reason)
	assert.Equal(t, models.SpellID(100), rep.unresolved[0].cast.SpellID)
	assert.Equal(t, uint64(1), p.Stats().Expired)
}

func TestProcessor_DefaultCastWindow(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	// 101 在目录中没有施法时长
	require.NoError(t, p.Process(context.Background(), castStart(7, 101, 1000, 0)))

	casts := p.Registry().Snapshot(nil)
	require.Len(t, casts, 1)
	assert.Equal(t, int64(11_000), casts[0].Deadline)
}

func TestProcessor_DuplicateAndSupersede(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 3000)))

	err := p.Process(ctx, castStart(7, 100, 1000, 3000))
	assert.True(t, errors.Is(err, common.ErrDuplicateActiveCast))

	require.NoError(t, p.Process(ctx, castStart(7, 100, 4000, 3000)))
	require.Len(t, rep.unresolved, 1)
	assert.Equal(t, models.ReasonSuperseded, rep.unresolved[0].reason)
	assert.Equal(t, int64(0), rep.unresolved[0].cast.StartedAt)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Superseded)
	assert.Equal(t, uint64(1), stats.Errors[string(common.CategoryConflict)])
}

func TestProcessor_InstantSuccessIgnored(t *testing.T) {
	p, pub, rep := newTestProcessor(t)

	require.NoError(t, p.Process(context.Background(), castSuccess(7, 200, 1000)))
	assert.Empty(t, pub.all())
	assert.Empty(t, rep.unmatched)
	assert.Equal(t, uint64(1), p.Stats().Ignored)
}

func TestProcessor_DecodeErrorCounted(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	err := p.Process(context.Background(), []byte(`{"kind":"cast_start"`))
	assert.True(t, errors.Is(err, common.ErrMalformedRecord))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Records)
	assert.Equal(t, uint64(1), stats.Errors[string(common.CategoryDecode)])
	assert.Empty(t, stats.Watermarks)
}

func TestProcessor_CanceledContext(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Process(ctx, castStart(7, 100, 0, 3000))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Registry().Len())
	assert.Equal(t, uint64(0), p.Stats().Records)
}

func TestProcessor_Shutdown(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 3000)))
	require.NoError(t, p.Process(ctx, castStart(8, 100, 0, 3000)))

	assert.Equal(t, 2, p.Shutdown())
	assert.Equal(t, 0, p.Registry().Len())
	require.Len(t, rep.unresolved, 2)
	for _, r := range rep.unresolved {
		assert.Equal(t, models.ReasonShutdown, r.reason)
	}

	assert.ErrorIs(t, p.Process(ctx, castStart(9, 100, 0, 3000)), common.ErrClosed)
	assert.Equal(t, 0, p.Shutdown())
}

func TestProcessor_Watermark(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	_, ok := p.Watermark("a")
	assert.False(t, ok)

	require.NoError(t, p.ProcessStream(ctx, "a", castStart(7, 100, 5000, 3000)))
	require.NoError(t, p.ProcessStream(ctx, "a", castStart(8, 100, 2000, 3000)))
	require.NoError(t, p.ProcessStream(ctx, "b", castStart(9, 100, 100, 3000)))

	now, ok := p.Watermark("a")
	require.True(t, ok)
	assert.Equal(t, int64(5000), now)
	assert.Equal(t, map[string]int64{"a": 5000, "b": 100}, p.Stats().Watermarks)
}

func TestProcessor_StreamsKeepSeparateClocks(t *testing.T) {
	p, pub, rep := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.ProcessStream(ctx, "a", castStart(7, 100, 0, 3000)))
	// b 的时钟远远领先，不能让 a 上进行中的施法过期
	require.NoError(t, p.ProcessStream(ctx, "b", castStart(8, 101, 1_000_000, 0)))

	assert.Equal(t, 0, p.SweepStreams())
	require.NoError(t, p.ProcessStream(ctx, "a", castSuccess(7, 100, 2000)))

	events := pub.all()
	require.Len(t, events, 1)
	completed := events[0].(*models.Completed)
	assert.Equal(t, models.EntityID(7), completed.Cast.CasterID)
	assert.Equal(t, "a", completed.Cast.Stream)
	assert.Empty(t, rep.unmatched)

	// a 自己的时钟越过截止时间后，b 的施法仍在窗口内
	require.NoError(t, p.ProcessStream(ctx, "a", castStart(9, 100, 4000, 1000)))
	require.NoError(t, p.ProcessStream(ctx, "a", castSuccess(10, 200, 6000)))
	assert.Equal(t, 1, p.SweepStreams())

	rep.mu.Lock()
	require.Len(t, rep.unresolved, 1)
	assert.Equal(t, models.EntityID(9), rep.unresolved[0].cast.CasterID)
	assert.Equal(t, models.ReasonExpired, rep.unresolved[0].reason)
	rep.mu.Unlock()

	remaining := p.Registry().Snapshot(nil)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].Stream)
}

func TestProcessor_DeadlineSaturates(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, castStart(7, 100, math.MaxInt64-1000, 3000)))
	require.NoError(t, p.Process(ctx, castStart(8, 101, math.MaxInt64-5, 0)))

	for _, c := range p.Registry().Snapshot(nil) {
		assert.Equal(t, int64(math.MaxInt64), c.Deadline, "caster %d", c.CasterID)
	}
	assert.Equal(t, 0, p.SweepStreams())
	assert.Empty(t, rep.unresolved)
	assert.Equal(t, 2, p.Registry().Len())
}

func TestProcessor_RunSweeper(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Process(ctx, castStart(7, 100, 0, 1000)))
	// 水位线推进到 5000，7 的施法已过期
	require.NoError(t, p.Process(ctx, castStart(8, 100, 5000, 3000)))

	done := make(chan error, 1)
	go func() { done <- p.RunSweeper(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return len(rep.unresolved) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 1, p.Registry().Len())
}

func TestProcessor_ConcurrentStreams(t *testing.T) {
	p, pub, _ := newTestProcessor(t)
	ctx := context.Background()

	const casters = 50
	var wg sync.WaitGroup
	for i := uint64(1); i <= casters; i++ {
		wg.Add(1)
		go func(caster uint64) {
			defer wg.Done()
			stream := fmt.Sprintf("stream-%d", caster%4)
			assert.NoError(t, p.ProcessStream(ctx, stream, castStart(caster, 100, 0, 3000)))
			assert.NoError(t, p.ProcessStream(ctx, stream, castSuccess(caster, 100, 1000)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, pub.all(), casters)
	assert.Equal(t, 0, p.Registry().Len())
	assert.Equal(t, uint64(casters), p.Stats().Correlated[string(models.CorrelatedCompleted)])
}

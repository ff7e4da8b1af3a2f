package processing

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"livedata-service/pkg/catalog"
	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// Options 处理器参数
type Options struct {
	// Shards 登记表分片数
	Shards int
	// DefaultCastWindow 记录和目录都没有施法时长时使用的窗口
	DefaultCastWindow time.Duration
	Reporter          UnresolvedReporter
	Logger            common.Logger
	NewID             IDGenerator
}

// DefaultStream Process 使用的流 ID
const DefaultStream = ""

// Processor 事件关联处理器
//
// 每条记录经过解码、类型分派、登记表变更，最后交给发送器。登记表一旦变更，
// 对应的关联事件在同一次调用中入队，不存在只处理了一半的记录。
type Processor struct {
	decoder     RecordDecoder
	spells      catalog.SpellCatalog
	registry    *Registry
	interrupts  *InterruptCorrelator
	steals      *StealCorrelator
	completions *CompletionCorrelator
	publisher   EventPublisher
	reporter    UnresolvedReporter
	logger      common.Logger
	window      int64

	// Shutdown 持写锁，保证停机排空之后不再有记录写入登记表
	lifecycle sync.RWMutex
	closed    bool

	clocks streamClocks
	stats  *processorStats
}

// NewProcessor 创建处理器
func NewProcessor(decoder RecordDecoder, spells catalog.SpellCatalog, publisher EventPublisher, opts Options) *Processor {
	if opts.Reporter == nil {
		opts.Reporter = NopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = common.NewLogger("Processor")
	}

	registry := NewRegistry(opts.Shards)
	p := &Processor{
		decoder:     decoder,
		spells:      spells,
		registry:    registry,
		interrupts:  NewInterruptCorrelator(registry, opts.NewID),
		steals:      NewStealCorrelator(registry, opts.NewID),
		completions: NewCompletionCorrelator(registry, opts.NewID),
		publisher:   publisher,
		reporter:    opts.Reporter,
		logger:      opts.Logger,
		window:      opts.DefaultCastWindow.Milliseconds(),
		stats:       newProcessorStats(),
	}
	return p
}

// Registry 处理器持有的登记表
func (p *Processor) Registry() *Registry {
	return p.registry
}

// Process 在 DefaultStream 上处理一条原始记录
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	return p.ProcessStream(ctx, DefaultStream, payload)
}

// ProcessStream 处理来自指定逻辑流的一条原始记录
//
// 时间戳只在同一个流内单调，每个流维护自己的时钟，施法按登记它的流的时钟过期。
func (p *Processor) ProcessStream(ctx context.Context, stream string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return common.ErrClosed
	}

	p.stats.records.Add(1)

	event, err := p.decoder.Decode(payload)
	if err != nil {
		p.fail(nil, payload, err)
		return err
	}
	p.stats.decoded.inc(string(event.Kind()))
	p.clocks.advance(stream, event.Header().Timestamp)

	switch ev := event.(type) {
	case *models.CastStart:
		err = p.handleCastStart(stream, ev)
	case *models.CastSuccess:
		err = p.handleCastSuccess(ev)
	case *models.Interrupt:
		var out *models.Interrupted
		if out, err = p.interrupts.Correlate(ev); err == nil {
			err = p.emit(out)
		}
	case *models.SpellSteal:
		var out *models.Stolen
		if out, err = p.steals.Correlate(ev); err == nil {
			err = p.emit(out)
		}
	default:
		err = fmt.Errorf("unhandled raw event %T", event)
	}

	if err != nil {
		p.fail(event, payload, err)
	}
	return err
}

func (p *Processor) handleCastStart(stream string, ev *models.CastStart) error {
	castTime := ev.CastTime
	if castTime == 0 {
		castTime = p.spells.CastTime(ev.SpellID)
	}
	if castTime == 0 {
		castTime = p.window
	}

	cast := models.ActiveCast{
		CasterID:  ev.ActorID,
		SpellID:   ev.SpellID,
		TargetID:  ev.TargetID,
		StartedAt: ev.Timestamp,
		Deadline:  deadline(ev.Timestamp, castTime),
		Stream:    stream,
	}
	superseded, err := p.registry.InsertCast(cast)
	if err != nil {
		return err
	}
	if superseded != nil {
		p.unresolved(*superseded, models.ReasonSuperseded)
	}
	return nil
}

func (p *Processor) handleCastSuccess(ev *models.CastSuccess) error {
	// 瞬发技能没有施法过程，无需关联
	if category, ok := p.spells.SpellCategory(ev.SpellID); ok && category == models.SpellCategoryInstant {
		p.stats.ignored.Add(1)
		return nil
	}

	out, err := p.completions.Correlate(ev)
	if err != nil {
		return err
	}
	return p.emit(out)
}

func (p *Processor) emit(event models.CorrelatedEvent) error {
	p.stats.correlated.inc(string(event.Kind()))
	if err := p.publisher.Publish(event); err != nil {
		return fmt.Errorf("publish %s event %s: %w", event.Kind(), event.EventID(), err)
	}
	return nil
}

func (p *Processor) fail(event models.RawEvent, payload []byte, err error) {
	category := common.Classify(err)
	p.stats.errors.inc(string(category))

	log := p.logger.With("category", string(category))
	switch category {
	case common.CategoryDecode:
		log.Error("Failed to decode record %s: %v", truncate(payload, 512), err)
	case common.CategoryConflict:
		log.Warn("Registry conflict for %s record %s: %v", event.Kind(), truncate(payload, 512), err)
	case common.CategoryUnmatched:
		log.Debug("Unmatched %s: %v", event.Kind(), err)
		p.reporter.UnmatchedResolution(event, err)
	default:
		log.Error("Failed to process record %s: %v", truncate(payload, 512), err)
	}
}

func (p *Processor) unresolved(cast models.ActiveCast, reason models.UnresolvedReason) {
	switch reason {
	case models.ReasonExpired:
		p.stats.expired.Add(1)
	case models.ReasonSuperseded:
		p.stats.superseded.Add(1)
	case models.ReasonShutdown:
		p.stats.drained.Add(1)
	}
	p.reporter.UnresolvedCast(cast, reason)
}

// deadline 截止时间超出 int64 时取 MaxInt64，不会回绕成立即过期
func deadline(start, castTime int64) int64 {
	if castTime > 0 && start > math.MaxInt64-castTime {
		return math.MaxInt64
	}
	return start + castTime
}

// Watermark 指定流见过的最大时间戳，流还没有记录时返回 false
func (p *Processor) Watermark(stream string) (int64, bool) {
	return p.clocks.now(stream)
}

// Watermarks 各流水位线的快照
func (p *Processor) Watermarks() map[string]int64 {
	return p.clocks.snapshot()
}

// Sweep 清理在 now 时刻已过期的施法并上报，不区分流，返回清理数量
func (p *Processor) Sweep(now int64) int {
	n := p.sweep(p.registry.SweepExpired(now))
	if n > 0 {
		p.logger.Info("Swept %d expired casts at %d", n, now)
	}
	return n
}

// SweepStreams 每条施法按登记它的流的水位线判断过期，清理并上报，返回清理数量
func (p *Processor) SweepStreams() int {
	n := p.sweep(p.registry.SweepExpiredBy(p.clocks.now))
	if n > 0 {
		p.logger.Info("Swept %d expired casts", n)
	}
	return n
}

func (p *Processor) sweep(expired iter.Seq[models.ActiveCast]) int {
	n := 0
	for cast := range expired {
		p.unresolved(cast, models.ReasonExpired)
		n++
	}
	return n
}

// RunSweeper 按固定间隔用各流的水位线清理过期施法，直到 ctx 结束
func (p *Processor) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("Sweeper started (interval: %v)", interval)
	for {
		select {
		case <-ticker.C:
			p.SweepStreams()
		case <-ctx.Done():
			p.logger.Info("Sweeper stopped")
			return nil
		}
	}
}

// Shutdown 停止接收记录，排空登记表并按 shutdown 上报，返回排空数量
func (p *Processor) Shutdown() int {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.closed {
		return 0
	}
	p.closed = true

	n := 0
	for cast := range p.registry.Drain() {
		p.unresolved(cast, models.ReasonShutdown)
		n++
	}
	p.logger.Info("Processor shut down, %d casts left unresolved", n)
	return n
}

// Stats 处理器计数快照
type Stats struct {
	Records    uint64            `json:"records"`
	Decoded    map[string]uint64 `json:"decoded"`
	Correlated map[string]uint64 `json:"correlated"`
	Errors     map[string]uint64 `json:"errors"`
	Expired    uint64            `json:"expired"`
	Superseded uint64            `json:"superseded"`
	Drained    uint64            `json:"drained"`
	Ignored    uint64            `json:"ignored"`
	Dropped    uint64            `json:"dropped"`
	Active     int               `json:"active_casts"`
	Watermarks map[string]int64  `json:"watermarks"`
}

// Stats 返回当前计数
func (p *Processor) Stats() Stats {
	s := Stats{
		Records:    p.stats.records.Load(),
		Decoded:    p.stats.decoded.snapshot(),
		Correlated: p.stats.correlated.snapshot(),
		Errors:     p.stats.errors.snapshot(),
		Expired:    p.stats.expired.Load(),
		Superseded: p.stats.superseded.Load(),
		Drained:    p.stats.drained.Load(),
		Ignored:    p.stats.ignored.Load(),
		Active:     p.registry.Len(),
		Watermarks: p.Watermarks(),
	}
	if d, ok := p.publisher.(interface{ Dropped() uint64 }); ok {
		s.Dropped = d.Dropped()
	}
	return s
}

// streamClocks 每个流一个只增不减的时钟
type streamClocks struct {
	clocks sync.Map // stream -> *atomic.Int64
}

func (c *streamClocks) advance(stream string, ts int64) {
	v, ok := c.clocks.Load(stream)
	if !ok {
		fresh := new(atomic.Int64)
		fresh.Store(ts)
		if v, ok = c.clocks.LoadOrStore(stream, fresh); !ok {
			return
		}
	}

	clock := v.(*atomic.Int64)
	for {
		current := clock.Load()
		if ts <= current || clock.CompareAndSwap(current, ts) {
			return
		}
	}
}

func (c *streamClocks) now(stream string) (int64, bool) {
	v, ok := c.clocks.Load(stream)
	if !ok {
		return 0, false
	}
	return v.(*atomic.Int64).Load(), true
}

func (c *streamClocks) snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.clocks.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

type processorStats struct {
	records    atomic.Uint64
	decoded    counterSet
	correlated counterSet
	errors     counterSet
	expired    atomic.Uint64
	superseded atomic.Uint64
	drained    atomic.Uint64
	ignored    atomic.Uint64
}

func newProcessorStats() *processorStats {
	return &processorStats{
		decoded: newCounterSet(
			string(models.RawKindCastStart), string(models.RawKindCastSuccess),
			string(models.RawKindInterrupt), string(models.RawKindSpellSteal)),
		correlated: newCounterSet(
			string(models.CorrelatedCompleted), string(models.CorrelatedInterrupted),
			string(models.CorrelatedStolen)),
		errors: newCounterSet(
			string(common.CategoryDecode), string(common.CategoryConflict),
			string(common.CategoryUnmatched), string(common.CategoryOther)),
	}
}

// counterSet 键集合在创建后固定，可以无锁并发读写
type counterSet map[string]*atomic.Uint64

func newCounterSet(keys ...string) counterSet {
	c := make(counterSet, len(keys))
	for _, k := range keys {
		c[k] = new(atomic.Uint64)
	}
	return c
}

func (c counterSet) inc(key string) {
	if n, ok := c[key]; ok {
		n.Add(1)
	}
}

func (c counterSet) snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(c))
	for k, n := range c {
		out[k] = n.Load()
	}
	return out
}

func truncate(payload []byte, limit int) string {
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "..."
}

package processing

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// Registry 进行中施法的登记表，按施法者分片加锁
//
// 每个 (施法者, 技能) 同一时刻最多一条记录。所有修改操作在所属分片的锁内完成，
// 取出即删除，同一条施法不会被取出两次。
type Registry struct {
	shards []*registryShard
}

type registryShard struct {
	mu    sync.Mutex
	casts map[models.EntityID]map[models.SpellID]models.ActiveCast
}

// NewRegistry 创建登记表，shards <= 0 时使用单分片
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 1
	}
	r := &Registry{shards: make([]*registryShard, shards)}
	for i := range r.shards {
		r.shards[i] = &registryShard{casts: make(map[models.EntityID]map[models.SpellID]models.ActiveCast)}
	}
	return r
}

func (r *Registry) shard(caster models.EntityID) *registryShard {
	return r.shards[uint64(caster)%uint64(len(r.shards))]
}

// InsertCast 登记一次施法
//
// 已有未过期记录时返回 ErrDuplicateActiveCast；已有记录在新施法开始前就已过期时，
// 用新记录替换并返回被替换的旧记录，由调用方按 superseded 上报。
func (r *Registry) InsertCast(cast models.ActiveCast) (*models.ActiveCast, error) {
	s := r.shard(cast.CasterID)
	s.mu.Lock()
	defer s.mu.Unlock()

	spells := s.casts[cast.CasterID]
	if spells == nil {
		spells = make(map[models.SpellID]models.ActiveCast)
		s.casts[cast.CasterID] = spells
	}

	var superseded *models.ActiveCast
	if existing, ok := spells[cast.SpellID]; ok {
		if !existing.ExpiredAt(cast.StartedAt) {
			return nil, common.NewAppError(common.CodeDuplicateActiveCast,
				fmt.Sprintf("caster %d already casting spell %d since %d", cast.CasterID, cast.SpellID, existing.StartedAt),
				common.ErrDuplicateActiveCast)
		}
		superseded = &existing
	}

	spells[cast.SpellID] = cast.Clone()
	return superseded, nil
}

// TakeCast 取出并删除 (施法者, 技能) 对应的施法
func (r *Registry) TakeCast(caster models.EntityID, spell models.SpellID, at int64) (models.ActiveCast, error) {
	s := r.shard(caster)
	s.mu.Lock()
	defer s.mu.Unlock()

	cast, ok := s.casts[caster][spell]
	if !ok {
		return models.ActiveCast{}, noActiveCast(caster)
	}
	if at < cast.StartedAt {
		return models.ActiveCast{}, staleResolution(cast, at)
	}

	s.remove(caster, spell)
	return cast, nil
}

// TakeLatest 取出施法者在 at 之前开始的最近一次施法
//
// 施法者没有任何记录时返回 ErrNoActiveCast；有记录但都晚于 at 时返回 ErrStaleResolution。
func (r *Registry) TakeLatest(caster models.EntityID, at int64) (models.ActiveCast, error) {
	s := r.shard(caster)
	s.mu.Lock()
	defer s.mu.Unlock()

	spells := s.casts[caster]
	if len(spells) == 0 {
		return models.ActiveCast{}, noActiveCast(caster)
	}

	var (
		best, earliest models.ActiveCast
		found, seen    bool
	)
	for _, c := range spells {
		if !seen || c.StartedAt < earliest.StartedAt {
			earliest = c
			seen = true
		}
		if c.StartedAt > at {
			continue
		}
		// 开始时间相同时取技能 ID 较大者，保证结果确定
		if !found || c.StartedAt > best.StartedAt || (c.StartedAt == best.StartedAt && c.SpellID > best.SpellID) {
			best = c
			found = true
		}
	}
	if !found {
		return models.ActiveCast{}, staleResolution(earliest, at)
	}

	s.remove(caster, best.SpellID)
	return best, nil
}

// SweepExpired 移除所有在 now 时刻已过期的施法，并以惰性序列返回
//
// 逐个分片处理：访问到某分片时才在锁内摘除它的过期记录。提前结束遍历时，
// 未访问的分片保持不变，当前分片中尚未交出的记录会放回原处 (槽位已被新施法占用的除外)。
func (r *Registry) SweepExpired(now int64) iter.Seq[models.ActiveCast] {
	return r.extract(func(c models.ActiveCast) bool { return c.ExpiredAt(now) })
}

// SweepExpiredBy 与 SweepExpired 相同，但每条施法按所属流的时钟判断是否过期
//
// clock 返回流当前的时间；流还没有时钟时返回 false，该流的施法保持不动。
func (r *Registry) SweepExpiredBy(clock func(stream string) (int64, bool)) iter.Seq[models.ActiveCast] {
	return r.extract(func(c models.ActiveCast) bool {
		now, ok := clock(c.Stream)
		return ok && c.ExpiredAt(now)
	})
}

// Drain 移除全部施法，停机时使用
func (r *Registry) Drain() iter.Seq[models.ActiveCast] {
	return r.extract(func(models.ActiveCast) bool { return true })
}

func (r *Registry) extract(match func(models.ActiveCast) bool) iter.Seq[models.ActiveCast] {
	return func(yield func(models.ActiveCast) bool) {
		for _, s := range r.shards {
			batch := s.extract(match)
			for i, c := range batch {
				if !yield(c) {
					s.restore(batch[i+1:])
					return
				}
			}
		}
	}
}

// Len 当前登记的施法数量
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, spells := range s.casts {
			n += len(spells)
		}
		s.mu.Unlock()
	}
	return n
}

// Snapshot 返回当前施法的副本，按开始时间排序；caster 为 nil 时返回全部
func (r *Registry) Snapshot(caster *models.EntityID) []models.ActiveCast {
	var out []models.ActiveCast
	collect := func(spells map[models.SpellID]models.ActiveCast) {
		for _, c := range spells {
			out = append(out, c.Clone())
		}
	}

	if caster != nil {
		s := r.shard(*caster)
		s.mu.Lock()
		collect(s.casts[*caster])
		s.mu.Unlock()
	} else {
		for _, s := range r.shards {
			s.mu.Lock()
			for _, spells := range s.casts {
				collect(spells)
			}
			s.mu.Unlock()
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		if out[i].CasterID != out[j].CasterID {
			return out[i].CasterID < out[j].CasterID
		}
		return out[i].SpellID < out[j].SpellID
	})
	return out
}

func (s *registryShard) extract(match func(models.ActiveCast) bool) []models.ActiveCast {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []models.ActiveCast
	for caster, spells := range s.casts {
		for spell, c := range spells {
			if match(c) {
				batch = append(batch, c)
				delete(spells, spell)
			}
		}
		if len(spells) == 0 {
			delete(s.casts, caster)
		}
	}
	return batch
}

func (s *registryShard) restore(casts []models.ActiveCast) {
	if len(casts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range casts {
		spells := s.casts[c.CasterID]
		if spells == nil {
			spells = make(map[models.SpellID]models.ActiveCast)
			s.casts[c.CasterID] = spells
		}
		if _, taken := spells[c.SpellID]; !taken {
			spells[c.SpellID] = c
		}
	}
}

// remove 调用方需持有锁
func (s *registryShard) remove(caster models.EntityID, spell models.SpellID) {
	spells := s.casts[caster]
	delete(spells, spell)
	if len(spells) == 0 {
		delete(s.casts, caster)
	}
}

func noActiveCast(caster models.EntityID) error {
	return common.NewAppError(common.CodeNoActiveCast,
		fmt.Sprintf("no active cast for caster %d", caster), common.ErrNoActiveCast)
}

func staleResolution(cast models.ActiveCast, at int64) error {
	return common.NewAppError(common.CodeStaleResolution,
		fmt.Sprintf("resolution at %d precedes cast of spell %d by caster %d started at %d",
			at, cast.SpellID, cast.CasterID, cast.StartedAt),
		common.ErrStaleResolution)
}

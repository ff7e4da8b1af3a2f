package processing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// CastStore 关联器需要的登记表操作
type CastStore interface {
	TakeCast(caster models.EntityID, spell models.SpellID, at int64) (models.ActiveCast, error)
	TakeLatest(caster models.EntityID, at int64) (models.ActiveCast, error)
}

// IDGenerator 生成关联事件 ID
type IDGenerator func() uuid.UUID

// InterruptCorrelator 把打断匹配到被打断者最近开始的施法
type InterruptCorrelator struct {
	store CastStore
	newID IDGenerator
}

// NewInterruptCorrelator 创建打断关联器
func NewInterruptCorrelator(store CastStore, newID IDGenerator) *InterruptCorrelator {
	return &InterruptCorrelator{store: store, newID: orDefaultID(newID)}
}

// Correlate 打断针对施法者而不是具体技能，所以按施法者取最近一次施法
func (c *InterruptCorrelator) Correlate(ev *models.Interrupt) (*models.Interrupted, error) {
	if ev.TargetID == nil {
		return nil, missingTarget(ev)
	}
	target := *ev.TargetID
	cast, err := c.store.TakeLatest(target, ev.Timestamp)
	if err != nil {
		return nil, unmatched(err, common.ErrUnmatchedInterrupt, "interrupt of caster %d at %d", target, ev.Timestamp)
	}

	return &models.Interrupted{
		ID:               c.newID(),
		Cast:             cast,
		InterrupterID:    ev.ActorID,
		InterruptSpellID: ev.SpellID,
		Timestamp:        ev.Timestamp,
	}, nil
}

// StealCorrelator 把法术偷取匹配到被偷取者的施法
type StealCorrelator struct {
	store CastStore
	newID IDGenerator
}

// NewStealCorrelator 创建偷取关联器
func NewStealCorrelator(store CastStore, newID IDGenerator) *StealCorrelator {
	return &StealCorrelator{store: store, newID: orDefaultID(newID)}
}

// Correlate 数据流给出被偷技能时按 (施法者, 技能) 精确匹配，否则取最近一次施法
func (c *StealCorrelator) Correlate(ev *models.SpellSteal) (*models.Stolen, error) {
	if ev.TargetID == nil {
		return nil, missingTarget(ev)
	}
	target := *ev.TargetID

	var (
		cast models.ActiveCast
		err  error
	)
	if ev.StolenSpellID != nil {
		cast, err = c.store.TakeCast(target, *ev.StolenSpellID, ev.Timestamp)
	} else {
		cast, err = c.store.TakeLatest(target, ev.Timestamp)
	}
	if err != nil {
		return nil, unmatched(err, common.ErrUnmatchedSteal, "steal from caster %d at %d", target, ev.Timestamp)
	}

	return &models.Stolen{
		ID:           c.newID(),
		Cast:         cast,
		StealerID:    ev.ActorID,
		StealSpellID: ev.SpellID,
		Timestamp:    ev.Timestamp,
	}, nil
}

// CompletionCorrelator 把施法成功精确匹配到 (施法者, 技能)
type CompletionCorrelator struct {
	store CastStore
	newID IDGenerator
}

// NewCompletionCorrelator 创建完成关联器
func NewCompletionCorrelator(store CastStore, newID IDGenerator) *CompletionCorrelator {
	return &CompletionCorrelator{store: store, newID: orDefaultID(newID)}
}

// Correlate 关联施法成功
func (c *CompletionCorrelator) Correlate(ev *models.CastSuccess) (*models.Completed, error) {
	cast, err := c.store.TakeCast(ev.ActorID, ev.SpellID, ev.Timestamp)
	if err != nil {
		return nil, unmatched(err, common.ErrUnmatchedCompletion, "completion of spell %d by caster %d at %d",
			ev.SpellID, ev.ActorID, ev.Timestamp)
	}

	return &models.Completed{
		ID:          c.newID(),
		Cast:        cast,
		SucceededAt: ev.Timestamp,
	}, nil
}

// unmatched 把 ErrNoActiveCast 转成对应的未匹配错误，其他错误 (如 StaleResolution) 原样返回
func unmatched(err error, kind error, format string, args ...interface{}) error {
	if !errors.Is(err, common.ErrNoActiveCast) {
		return err
	}
	return common.NewAppError(common.CodeUnmatched, fmt.Sprintf(format, args...), kind)
}

func missingTarget(ev models.RawEvent) error {
	return common.NewAppError(common.CodeMalformedRecord,
		fmt.Sprintf("%s at %d without target", ev.Kind(), ev.Header().Timestamp), common.ErrMalformedRecord)
}

func orDefaultID(gen IDGenerator) IDGenerator {
	if gen == nil {
		return uuid.New
	}
	return gen
}

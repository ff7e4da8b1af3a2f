package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CorrelatedKind 关联事件类型
type CorrelatedKind string

const (
	CorrelatedCompleted   CorrelatedKind = "completed"
	CorrelatedInterrupted CorrelatedKind = "interrupted"
	CorrelatedStolen      CorrelatedKind = "stolen"
)

// CorrelatedEvent 关联完成的领域事件，只有本包内的类型可以实现
type CorrelatedEvent interface {
	EventID() uuid.UUID
	Kind() CorrelatedKind
	OriginalCast() ActiveCast
	ResolvedAt() int64
	isCorrelated()
}

// Completed 施法正常完成
type Completed struct {
	ID          uuid.UUID  `json:"id"`
	Cast        ActiveCast `json:"cast"`
	SucceededAt int64      `json:"succeeded_at"`
}

// Interrupted 施法被打断
type Interrupted struct {
	ID               uuid.UUID  `json:"id"`
	Cast             ActiveCast `json:"cast"`
	InterrupterID    EntityID   `json:"interrupter_id"`
	InterruptSpellID SpellID    `json:"interrupt_spell_id"`
	Timestamp        int64      `json:"timestamp"`
}

// Stolen 施法效果被偷取
type Stolen struct {
	ID           uuid.UUID  `json:"id"`
	Cast         ActiveCast `json:"cast"`
	StealerID    EntityID   `json:"stealer_id"`
	StealSpellID SpellID    `json:"steal_spell_id"`
	Timestamp    int64      `json:"timestamp"`
}

func (e *Completed) EventID() uuid.UUID   { return e.ID }
func (e *Interrupted) EventID() uuid.UUID { return e.ID }
func (e *Stolen) EventID() uuid.UUID      { return e.ID }

func (*Completed) Kind() CorrelatedKind   { return CorrelatedCompleted }
func (*Interrupted) Kind() CorrelatedKind { return CorrelatedInterrupted }
func (*Stolen) Kind() CorrelatedKind      { return CorrelatedStolen }

func (e *Completed) OriginalCast() ActiveCast   { return e.Cast }
func (e *Interrupted) OriginalCast() ActiveCast { return e.Cast }
func (e *Stolen) OriginalCast() ActiveCast      { return e.Cast }

func (e *Completed) ResolvedAt() int64   { return e.SucceededAt }
func (e *Interrupted) ResolvedAt() int64 { return e.Timestamp }
func (e *Stolen) ResolvedAt() int64      { return e.Timestamp }

func (*Completed) isCorrelated()   {}
func (*Interrupted) isCorrelated() {}
func (*Stolen) isCorrelated()      {}

// Resolver 返回结算方 (打断者/偷取者) 和所用技能；Completed 没有结算方
func Resolver(e CorrelatedEvent) (EntityID, SpellID, bool) {
	switch ev := e.(type) {
	case *Interrupted:
		return ev.InterrupterID, ev.InterruptSpellID, true
	case *Stolen:
		return ev.StealerID, ev.StealSpellID, true
	case *Completed:
		return 0, 0, false
	}
	return 0, 0, false
}

// Envelope 对外发送的统一格式，带 kind 字段
type Envelope struct {
	Kind  CorrelatedKind  `json:"kind"`
	Event CorrelatedEvent `json:"event"`
}

// MarshalCorrelated 序列化关联事件
func MarshalCorrelated(e CorrelatedEvent) ([]byte, error) {
	return json.Marshal(Envelope{Kind: e.Kind(), Event: e})
}

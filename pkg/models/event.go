package models

import (
	"fmt"
	"math"
	"strconv"
)

// EntityID 游戏内单位 ID
type EntityID uint64

// MaxEntityID 可接受的最大单位 ID，存储层按 BIGINT 保存
const MaxEntityID EntityID = math.MaxInt64

// Valid 是否在可接受范围内
func (id EntityID) Valid() bool {
	return id <= MaxEntityID
}

// ParseEntityID 解析十进制单位 ID，超出 MaxEntityID 时返回错误
func ParseEntityID(s string) (EntityID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	id := EntityID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("entity id %s out of range", s)
	}
	return id, nil
}

// SpellID 技能 ID
type SpellID uint32

// RawEventKind 原始事件类型
type RawEventKind string

const (
	RawKindCastStart   RawEventKind = "cast_start"
	RawKindCastSuccess RawEventKind = "cast_success"
	RawKindInterrupt   RawEventKind = "interrupt"
	RawKindSpellSteal  RawEventKind = "spell_steal"
)

// EventHeader 所有原始事件共有的字段
type EventHeader struct {
	Timestamp int64     `json:"timestamp"` // 毫秒，同一数据源内单调
	ActorID   EntityID  `json:"actor_id"`
	TargetID  *EntityID `json:"target_id,omitempty"`
	SpellID   SpellID   `json:"spell_id"`
}

// Header 返回事件头
func (h *EventHeader) Header() *EventHeader { return h }

// RawEvent 解码后的原始事件，只有本包内的类型可以实现
type RawEvent interface {
	Kind() RawEventKind
	Header() *EventHeader
	isRawEvent()
}

// CastStart 开始施法
type CastStart struct {
	EventHeader
	CastTime int64 `json:"cast_time,omitempty"` // 施法时长 (毫秒)，0 表示记录中没有
}

// CastSuccess 施法成功
type CastSuccess struct {
	EventHeader
}

// Interrupt 打断；Actor 为打断者，SpellID 为打断技能，Target 为被打断的施法者
type Interrupt struct {
	EventHeader
}

// SpellSteal 法术偷取；Actor 为偷取者，SpellID 为偷取技能，Target 为被偷取者
type SpellSteal struct {
	EventHeader
	StolenSpellID *SpellID `json:"stolen_spell_id,omitempty"`
}

func (*CastStart) Kind() RawEventKind   { return RawKindCastStart }
func (*CastSuccess) Kind() RawEventKind { return RawKindCastSuccess }
func (*Interrupt) Kind() RawEventKind   { return RawKindInterrupt }
func (*SpellSteal) Kind() RawEventKind  { return RawKindSpellSteal }

func (*CastStart) isRawEvent()   {}
func (*CastSuccess) isRawEvent() {}
func (*Interrupt) isRawEvent()   {}
func (*SpellSteal) isRawEvent()  {}

// EntityPtr 返回指向 id 的指针
func EntityPtr(id EntityID) *EntityID { return &id }

// SpellPtr 返回指向 id 的指针
func SpellPtr(id SpellID) *SpellID { return &id }

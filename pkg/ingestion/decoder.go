package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"

	"livedata-service/pkg/catalog"
	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// 记录字段名
const (
	FieldKind          = "kind"
	FieldTimestamp     = "timestamp"
	FieldActorID       = "actor_id"
	FieldTargetID      = "target_id"
	FieldSpellID       = "spell_id"
	FieldCastTime      = "cast_time"
	FieldStolenSpellID = "stolen_spell_id"
)

// RawRecord 数据流中的一条原始记录，字段按名称保留原始 JSON
type RawRecord map[string]json.RawMessage

// ParseRecord 把一条 JSON 记录拆成字段
func ParseRecord(payload []byte) (RawRecord, error) {
	var rec RawRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if rec == nil {
		return nil, malformed("record is not an object")
	}
	return rec, nil
}

// Decoder 原始事件解码器，无状态，只读取技能目录
type Decoder struct {
	catalog catalog.SpellCatalog
}

// NewDecoder 创建解码器
func NewDecoder(spells catalog.SpellCatalog) *Decoder {
	return &Decoder{catalog: spells}
}

// Decode 解码一条 JSON 记录
func (d *Decoder) Decode(payload []byte) (models.RawEvent, error) {
	rec, err := ParseRecord(payload)
	if err != nil {
		return nil, err
	}
	return d.DecodeRecord(rec)
}

// DecodeRecord 把记录映射为具体的原始事件类型
func (d *Decoder) DecodeRecord(rec RawRecord) (models.RawEvent, error) {
	var kind string
	if err := rec.required(FieldKind, &kind); err != nil {
		return nil, err
	}

	header, err := rec.header()
	if err != nil {
		return nil, err
	}

	var event models.RawEvent
	switch models.RawEventKind(kind) {
	case models.RawKindCastStart:
		start := &models.CastStart{EventHeader: header}
		if _, err := rec.optional(FieldCastTime, &start.CastTime); err != nil {
			return nil, err
		}
		if start.CastTime < 0 {
			return nil, malformed("field %s is negative", FieldCastTime)
		}
		event = start
	case models.RawKindCastSuccess:
		event = &models.CastSuccess{EventHeader: header}
	case models.RawKindInterrupt:
		if header.TargetID == nil {
			return nil, malformed("interrupt without %s", FieldTargetID)
		}
		event = &models.Interrupt{EventHeader: header}
	case models.RawKindSpellSteal:
		if header.TargetID == nil {
			return nil, malformed("spell_steal without %s", FieldTargetID)
		}
		steal := &models.SpellSteal{EventHeader: header}
		var stolen models.SpellID
		ok, err := rec.optional(FieldStolenSpellID, &stolen)
		if err != nil {
			return nil, err
		}
		if ok {
			steal.StolenSpellID = &stolen
		}
		event = steal
	default:
		return nil, malformed("unknown kind %q", kind)
	}

	if err := d.checkSpell(event); err != nil {
		return nil, err
	}
	return event, nil
}

// checkSpell 校验技能存在且类别与事件类型相容
func (d *Decoder) checkSpell(event models.RawEvent) error {
	spell := event.Header().SpellID
	category, ok := d.catalog.SpellCategory(spell)
	if !ok {
		return common.NewAppError(common.CodeUnknownSpell,
			fmt.Sprintf("spell %d not in catalog", spell), common.ErrUnknownSpell)
	}

	var compatible bool
	switch event.(type) {
	case *models.CastStart:
		compatible = category == models.SpellCategoryCast
	case *models.CastSuccess:
		compatible = category == models.SpellCategoryCast || category == models.SpellCategoryInstant
	case *models.Interrupt, *models.SpellSteal:
		compatible = category != models.SpellCategoryPassive
	}

	if !compatible {
		return common.NewAppError(common.CodeIncompatibleSpell,
			fmt.Sprintf("%s with %s spell %d", event.Kind(), category, spell), common.ErrIncompatibleSpell)
	}
	return nil
}

func (r RawRecord) header() (models.EventHeader, error) {
	var h models.EventHeader
	if err := r.required(FieldTimestamp, &h.Timestamp); err != nil {
		return h, err
	}
	if h.Timestamp < 0 {
		return h, malformed("field %s is negative", FieldTimestamp)
	}
	if err := r.required(FieldActorID, &h.ActorID); err != nil {
		return h, err
	}
	if !h.ActorID.Valid() {
		return h, malformed("field %s out of range: %d", FieldActorID, h.ActorID)
	}
	if err := r.required(FieldSpellID, &h.SpellID); err != nil {
		return h, err
	}

	var target models.EntityID
	ok, err := r.optional(FieldTargetID, &target)
	if err != nil {
		return h, err
	}
	if ok {
		if !target.Valid() {
			return h, malformed("field %s out of range: %d", FieldTargetID, target)
		}
		h.TargetID = &target
	}
	return h, nil
}

func (r RawRecord) required(field string, dst interface{}) error {
	ok, err := r.optional(field, dst)
	if err != nil {
		return err
	}
	if !ok {
		return malformed("missing field %s", field)
	}
	return nil
}

// optional 字段不存在或为 null 时返回 false
func (r RawRecord) optional(field string, dst interface{}) (bool, error) {
	raw, ok := r[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, malformed("field %s: %v", field, err)
	}
	return true, nil
}

func malformed(format string, args ...interface{}) error {
	return common.NewAppError(common.CodeMalformedRecord, fmt.Sprintf(format, args...), common.ErrMalformedRecord)
}

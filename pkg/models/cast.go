package models

// ActiveCast 正在进行中的施法
type ActiveCast struct {
	CasterID  EntityID  `json:"caster_id"`
	SpellID   SpellID   `json:"spell_id"`
	TargetID  *EntityID `json:"target_id,omitempty"`
	StartedAt int64     `json:"started_at"`
	Deadline  int64     `json:"deadline"`
	// Stream 登记该施法的逻辑流，过期按该流自己的时钟判断
	Stream    string    `json:"stream,omitempty"`
}

// ExpiredAt 判断在 now 时刻是否已过期；恰好等于 Deadline 时仍然有效
func (c ActiveCast) ExpiredAt(now int64) bool {
	return c.Deadline < now
}

// Clone 深拷贝，避免 TargetID 指针被外部共享
func (c ActiveCast) Clone() ActiveCast {
	if c.TargetID != nil {
		c.TargetID = EntityPtr(*c.TargetID)
	}
	return c
}

// SpellCategory 技能类别
type SpellCategory string

const (
	SpellCategoryCast    SpellCategory = "cast"
	SpellCategoryInstant SpellCategory = "instant"
	SpellCategoryPassive SpellCategory = "passive"
)

// Valid 是否为已知类别
func (c SpellCategory) Valid() bool {
	switch c {
	case SpellCategoryCast, SpellCategoryInstant, SpellCategoryPassive:
		return true
	}
	return false
}

// UnresolvedReason 施法未被结算的原因
type UnresolvedReason string

const (
	ReasonExpired    UnresolvedReason = "expired"
	ReasonSuperseded UnresolvedReason = "superseded"
	ReasonShutdown   UnresolvedReason = "shutdown"
)

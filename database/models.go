package database

import (
	"time"
)

// CorrelatedEventRow correlated_events 表的一行
type CorrelatedEventRow struct {
	ID              string    `db:"id" json:"id"`
	Kind            string    `db:"kind" json:"kind"`
	CasterID        int64     `db:"caster_id" json:"caster_id"`
	SpellID         int64     `db:"spell_id" json:"spell_id"`
	TargetID        *int64    `db:"target_id" json:"target_id,omitempty"`
	StartedAt       int64     `db:"started_at" json:"started_at"`
	Deadline        int64     `db:"deadline" json:"deadline"`
	ResolvedAt      int64     `db:"resolved_at" json:"resolved_at"`
	ResolverID      *int64    `db:"resolver_id" json:"resolver_id,omitempty"`
	ResolverSpellID *int64    `db:"resolver_spell_id" json:"resolver_spell_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// UnresolvedCastRow unresolved_casts 表的一行
type UnresolvedCastRow struct {
	ID        int64     `db:"id" json:"id"`
	CasterID  int64     `db:"caster_id" json:"caster_id"`
	SpellID   int64     `db:"spell_id" json:"spell_id"`
	TargetID  *int64    `db:"target_id" json:"target_id,omitempty"`
	StartedAt int64     `db:"started_at" json:"started_at"`
	Deadline  int64     `db:"deadline" json:"deadline"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"livedata-service/database"
	"livedata-service/logger"
	"livedata-service/pkg/models"
)

// EventStore 关联事件与未结算施法的 PostgreSQL 存储
type EventStore struct {
	db *sql.DB
}

// NewEventStore 创建事件存储
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Publish 保存关联事件，重复 ID 忽略
func (s *EventStore) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	query := `
		INSERT INTO correlated_events (id, kind, caster_id, spell_id, target_id, started_at, deadline,
			resolved_at, resolver_id, resolver_spell_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	cast := event.OriginalCast()
	if err := checkEntities(cast); err != nil {
		return fmt.Errorf("failed to save correlated event %s: %w", event.EventID(), err)
	}
	var resolverID, resolverSpellID *int64
	if entity, spell, ok := models.Resolver(event); ok {
		if !entity.Valid() {
			return fmt.Errorf("failed to save correlated event %s: resolver id %d out of range", event.EventID(), entity)
		}
		e, sp := int64(entity), int64(spell)
		resolverID, resolverSpellID = &e, &sp
	}

	_, err := s.db.ExecContext(ctx, query,
		event.EventID().String(),
		string(event.Kind()),
		int64(cast.CasterID),
		int64(cast.SpellID),
		entityParam(cast.TargetID),
		cast.StartedAt,
		cast.Deadline,
		event.ResolvedAt(),
		resolverID,
		resolverSpellID,
	)
	if err != nil {
		return fmt.Errorf("failed to save correlated event %s: %w", event.EventID(), err)
	}
	return nil
}

// SaveUnresolved 记录一次未结算的施法
func (s *EventStore) SaveUnresolved(ctx context.Context, cast models.ActiveCast, reason models.UnresolvedReason) error {
	query := `
		INSERT INTO unresolved_casts (caster_id, spell_id, target_id, started_at, deadline, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if err := checkEntities(cast); err != nil {
		return fmt.Errorf("failed to save unresolved cast: %w", err)
	}

	_, err := s.db.ExecContext(ctx, query,
		int64(cast.CasterID),
		int64(cast.SpellID),
		entityParam(cast.TargetID),
		cast.StartedAt,
		cast.Deadline,
		string(reason),
	)
	if err != nil {
		return fmt.Errorf("failed to save unresolved cast: %w", err)
	}
	return nil
}

// UnresolvedCast 实现 processing.UnresolvedReporter，同步写库，
// 关联路径上需经 processing.ReportQueue 转交
func (s *EventStore) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.SaveUnresolved(ctx, cast, reason); err != nil {
		logger.Errorf("[EventStore] %v", err)
	}
}

// UnmatchedResolution 实现 processing.UnresolvedReporter，未匹配的结算不落库
func (s *EventStore) UnmatchedResolution(models.RawEvent, error) {}

// EventQuery 关联事件查询条件
type EventQuery struct {
	Kind     string
	CasterID *models.EntityID
	Limit    int
	Offset   int
}

// ListEvents 按解决时间倒序查询关联事件
func (s *EventStore) ListEvents(ctx context.Context, q EventQuery) ([]database.CorrelatedEventRow, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Kind != "" {
		args = append(args, q.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if q.CasterID != nil {
		args = append(args, entityParam(q.CasterID))
		where = append(where, fmt.Sprintf("caster_id = $%d", len(args)))
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, kind, caster_id, spell_id, target_id, started_at, deadline, resolved_at,
		resolver_id, resolver_spell_id, created_at FROM correlated_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY resolved_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlated events: %w", err)
	}
	defer rows.Close()

	events := make([]database.CorrelatedEventRow, 0)
	for rows.Next() {
		var row database.CorrelatedEventRow
		if err := rows.Scan(
			&row.ID, &row.Kind, &row.CasterID, &row.SpellID, &row.TargetID,
			&row.StartedAt, &row.Deadline, &row.ResolvedAt,
			&row.ResolverID, &row.ResolverSpellID, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, row)
	}
	return events, rows.Err()
}

// ListUnresolved 查询最近的未结算施法
func (s *EventStore) ListUnresolved(ctx context.Context, reason string, limit int) ([]database.UnresolvedCastRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, caster_id, spell_id, target_id, started_at, deadline, reason, created_at
		FROM unresolved_casts`
	args := []interface{}{}
	if reason != "" {
		args = append(args, reason)
		query += " WHERE reason = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved casts: %w", err)
	}
	defer rows.Close()

	casts := make([]database.UnresolvedCastRow, 0)
	for rows.Next() {
		var row database.UnresolvedCastRow
		if err := rows.Scan(
			&row.ID, &row.CasterID, &row.SpellID, &row.TargetID,
			&row.StartedAt, &row.Deadline, &row.Reason, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		casts = append(casts, row)
	}
	return casts, rows.Err()
}

// Ping 检查数据库连接
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// checkEntities 单位 ID 以 BIGINT 保存，超出范围的拒绝写入而不是回绕成负数
func checkEntities(cast models.ActiveCast) error {
	if !cast.CasterID.Valid() {
		return fmt.Errorf("caster id %d out of range", cast.CasterID)
	}
	if cast.TargetID != nil && !cast.TargetID.Valid() {
		return fmt.Errorf("target id %d out of range", *cast.TargetID)
	}
	return nil
}

func entityParam(id *models.EntityID) interface{} {
	if id == nil {
		return nil
	}
	return int64(*id)
}

package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Connect 连接到数据库
func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 设置连接池
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// Migrations 按顺序执行的建表语句
var Migrations = []string{
	// 技能目录表，由静态数据同步写入，这里只保证表存在
	`CREATE TABLE IF NOT EXISTS spells (
		id BIGINT PRIMARY KEY,
		category VARCHAR(16) NOT NULL,
		cast_time BIGINT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,

	// 关联事件表
	`CREATE TABLE IF NOT EXISTS correlated_events (
		id UUID PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		caster_id BIGINT NOT NULL,
		spell_id BIGINT NOT NULL,
		target_id BIGINT,
		started_at BIGINT NOT NULL,
		deadline BIGINT NOT NULL,
		resolved_at BIGINT NOT NULL,
		resolver_id BIGINT,
		resolver_spell_id BIGINT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_correlated_events_kind ON correlated_events(kind)`,
	`CREATE INDEX IF NOT EXISTS idx_correlated_events_caster_id ON correlated_events(caster_id)`,
	`CREATE INDEX IF NOT EXISTS idx_correlated_events_resolved_at ON correlated_events(resolved_at)`,

	// 未结算施法表
	`CREATE TABLE IF NOT EXISTS unresolved_casts (
		id BIGSERIAL PRIMARY KEY,
		caster_id BIGINT NOT NULL,
		spell_id BIGINT NOT NULL,
		target_id BIGINT,
		started_at BIGINT NOT NULL,
		deadline BIGINT NOT NULL,
		reason VARCHAR(16) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_unresolved_casts_caster_id ON unresolved_casts(caster_id)`,
	`CREATE INDEX IF NOT EXISTS idx_unresolved_casts_reason ON unresolved_casts(reason)`,
}

// Migrate 运行数据库迁移
func Migrate(db *sql.DB) error {
	for i, migration := range Migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

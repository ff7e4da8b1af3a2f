package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"livedata-service/pkg/models"
)

// SpellCatalog 技能目录查询接口，数据归静态数据模块所有
type SpellCatalog interface {
	// SpellCategory 查询技能类别，不存在时返回 false
	SpellCategory(id models.SpellID) (models.SpellCategory, bool)

	// CastTime 查询施法时长 (毫秒)，未知时返回 0
	CastTime(id models.SpellID) int64
}

// SpellEntry 目录中的一条技能
type SpellEntry struct {
	ID       models.SpellID       `json:"id"`
	Category models.SpellCategory `json:"category"`
	CastTime int64                `json:"cast_time"`
}

// MemoryCatalog 基于 map 的只读目录，可并发读取
type MemoryCatalog struct {
	mu     sync.RWMutex
	spells map[models.SpellID]SpellEntry
}

// NewMemoryCatalog 创建内存目录
func NewMemoryCatalog(entries ...SpellEntry) *MemoryCatalog {
	c := &MemoryCatalog{spells: make(map[models.SpellID]SpellEntry, len(entries))}
	c.Replace(entries)
	return c
}

// SpellCategory 实现 SpellCatalog 接口
func (c *MemoryCatalog) SpellCategory(id models.SpellID) (models.SpellCategory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.spells[id]
	if !ok {
		return "", false
	}
	return entry.Category, true
}

// CastTime 实现 SpellCatalog 接口
func (c *MemoryCatalog) CastTime(id models.SpellID) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.spells[id].CastTime
}

// Replace 整体替换目录内容
func (c *MemoryCatalog) Replace(entries []SpellEntry) {
	spells := make(map[models.SpellID]SpellEntry, len(entries))
	for _, e := range entries {
		spells[e.ID] = e
	}

	c.mu.Lock()
	c.spells = spells
	c.mu.Unlock()
}

// Len 技能数量
func (c *MemoryCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.spells)
}

// LoadFromFile 从 JSON 数组文件加载目录
func LoadFromFile(path string) (*MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var entries []SpellEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	for _, e := range entries {
		if !e.Category.Valid() {
			return nil, fmt.Errorf("spell %d has invalid category %q", e.ID, e.Category)
		}
	}

	return NewMemoryCatalog(entries...), nil
}

// LoadFromDB 从静态数据模块的 spells 表加载目录
func LoadFromDB(ctx context.Context, db *sql.DB) (*MemoryCatalog, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, category, cast_time FROM spells`)
	if err != nil {
		return nil, fmt.Errorf("failed to query spells: %w", err)
	}
	defer rows.Close()

	var entries []SpellEntry
	for rows.Next() {
		var (
			e        SpellEntry
			category string
			castTime sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &category, &castTime); err != nil {
			return nil, fmt.Errorf("failed to scan spell: %w", err)
		}
		e.Category = models.SpellCategory(category)
		if !e.Category.Valid() {
			continue
		}
		e.CastTime = castTime.Int64
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate spells: %w", err)
	}

	return NewMemoryCatalog(entries...), nil
}

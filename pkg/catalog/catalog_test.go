package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata-service/pkg/models"
)

func TestMemoryCatalog(t *testing.T) {
	c := NewMemoryCatalog(
		SpellEntry{ID: 100, Category: models.SpellCategoryCast, CastTime: 3000},
		SpellEntry{ID: 200, Category: models.SpellCategoryInstant},
	)

	cat, ok := c.SpellCategory(100)
	assert.True(t, ok)
	assert.Equal(t, models.SpellCategoryCast, cat)
	assert.Equal(t, int64(3000), c.CastTime(100))

	_, ok = c.SpellCategory(999)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.CastTime(999))
	assert.Equal(t, 2, c.Len())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spells.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": 118, "category": "cast", "cast_time": 1500},
		{"id": 2139, "category": "instant"}
	]`), 0o644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	cat, ok := c.SpellCategory(2139)
	assert.True(t, ok)
	assert.Equal(t, models.SpellCategoryInstant, cat)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id": 1, "category": "channel"}]`), 0o644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}

func TestLoadFromDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "category", "cast_time"}).
		AddRow(100, "cast", 2500).
		AddRow(200, "passive", nil).
		AddRow(300, "bogus", nil)
	mock.ExpectQuery("SELECT id, category, cast_time FROM spells").WillReturnRows(rows)

	c, err := LoadFromDB(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(2500), c.CastTime(100))

	cat, ok := c.SpellCategory(200)
	assert.True(t, ok)
	assert.Equal(t, models.SpellCategoryPassive, cat)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata-service/pkg/catalog"
	"livedata-service/pkg/models"
)

func testCatalog() *catalog.MemoryCatalog {
	return catalog.NewMemoryCatalog(
		catalog.SpellEntry{ID: 100, Category: models.SpellCategoryCast, CastTime: 3000},
		catalog.SpellEntry{ID: 118, Category: models.SpellCategoryCast, CastTime: 5000},
		catalog.SpellEntry{ID: 200, Category: models.SpellCategoryInstant},
		catalog.SpellEntry{ID: 30449, Category: models.SpellCategoryInstant},
	)
}

func lines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()

	var result []map[string]interface{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		result = append(result, m)
	}
	return result
}

func TestReplay_CorrelatesAndReportsUnresolved(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"cast_start","timestamp":0,"actor_id":7,"spell_id":100}`,
		`{"kind":"interrupt","timestamp":1000,"actor_id":9,"target_id":7,"spell_id":200}`,
		`{"kind":"cast_start","timestamp":2000,"actor_id":7,"spell_id":118}`,
		``,
		`{"kind":"cast_start","timestamp":3000,"actor_id":8,"spell_id":100}`,
		`{"kind":"cast_success","timestamp":6000,"actor_id":8,"spell_id":100}`,
		`{"kind":"cast_start","timestamp":9000,"actor_id":5,"spell_id":100}`,
		`not json`,
	}, "\n")

	var out bytes.Buffer
	summary, err := replay(context.Background(), strings.NewReader(input), &out, testCatalog(), replayOptions{
		window: 10 * time.Second,
		logger: zerolog.New(io.Discard),
	})
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Records)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 2, summary.Correlated)
	assert.Equal(t, 2, summary.Unresolved)

	got := lines(t, out.String())
	require.Len(t, got, 4)

	assert.Equal(t, "interrupted", got[0]["kind"])
	assert.Equal(t, "completed", got[1]["kind"])

	// 118 从 2000 开始，截止 7000，在 9000 的记录之后被扫描
	assert.Equal(t, "unresolved", got[2]["kind"])
	assert.Equal(t, "expired", got[2]["reason"])
	assert.EqualValues(t, 118, got[2]["cast"].(map[string]interface{})["spell_id"])

	assert.Equal(t, "shutdown", got[3]["reason"])
	assert.EqualValues(t, 5, got[3]["cast"].(map[string]interface{})["caster_id"])
}

func TestReplay_Strict(t *testing.T) {
	input := "{\"kind\":\"cast_start\",\"timestamp\":0,\"actor_id\":7,\"spell_id\":100}\n" +
		"{\"kind\":\"cast_start\",\"timestamp\":0,\"actor_id\":7,\"spell_id\":999}\n" +
		"{\"kind\":\"cast_success\",\"timestamp\":3000,\"actor_id\":7,\"spell_id\":100}\n"

	var out bytes.Buffer
	summary, err := replay(context.Background(), strings.NewReader(input), &out, testCatalog(), replayOptions{
		window: 10 * time.Second,
		strict: true,
		logger: zerolog.New(io.Discard),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 2")
	assert.Equal(t, 2, summary.Records)

	got := lines(t, out.String())
	require.Len(t, got, 1)
	assert.Equal(t, "shutdown", got[0]["reason"])
}

func TestRunReplay_Command(t *testing.T) {
	dir := t.TempDir()
	catalogFile := filepath.Join(dir, "spells.json")
	require.NoError(t, os.WriteFile(catalogFile,
		[]byte(`[{"id":100,"category":"cast","cast_time":3000},{"id":200,"category":"instant"}]`), 0o600))

	catalogPath = catalogFile
	castWindow = 10 * time.Second
	t.Cleanup(func() { catalogPath = "" })

	var out, errOut bytes.Buffer
	cmd := newTestCommand(&out, &errOut,
		`{"kind":"cast_start","timestamp":0,"actor_id":7,"spell_id":100}`+"\n"+
			`{"kind":"spell_steal","timestamp":500,"actor_id":9,"target_id":7,"spell_id":30449}`+"\n")

	require.NoError(t, runReplay(cmd, nil))
	assert.Contains(t, errOut.String(), "records=2 correlated=0 unresolved=1 errors=1")
	assert.Contains(t, out.String(), `"reason":"shutdown"`)
}

func newTestCommand(out, errOut io.Writer, input string) *cobra.Command {
	cmd := &cobra.Command{Use: "replay"}
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd
}

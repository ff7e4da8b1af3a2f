package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata-service/config"
	"livedata-service/pkg/catalog"
	"livedata-service/pkg/ingestion"
	"livedata-service/pkg/interfaces"
	"livedata-service/pkg/models"
	"livedata-service/pkg/processing"
	"livedata-service/services"
)

type discardPublisher struct{}

func (discardPublisher) Publish(models.CorrelatedEvent) error { return nil }

func newTestServer(t *testing.T, deps Dependencies) (*Server, *Hub) {
	t.Helper()

	spells := catalog.NewMemoryCatalog(
		catalog.SpellEntry{ID: 100, Category: models.SpellCategoryCast, CastTime: 3000},
		catalog.SpellEntry{ID: 200, Category: models.SpellCategoryInstant},
	)
	if deps.Processor == nil {
		deps.Processor = processing.NewProcessor(ingestion.NewDecoder(spells), spells, discardPublisher{}, processing.Options{
			Shards:            2,
			DefaultCastWindow: 10 * time.Second,
		})
	}

	hub := NewHub()
	return NewServer(&config.Config{Port: "0"}, hub, deps), hub
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestServer_Health(t *testing.T) {
	health := interfaces.NewHealthChecker(nil, time.Second)
	health.RegisterCheck("feeds", func(context.Context) error { return nil })
	s, _ := newTestServer(t, Dependencies{Health: health})

	rec, body := get(t, s.Handler(), "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	health.RegisterCheck("database", func(context.Context) error { return errors.New("down") })
	rec, body = get(t, s.Handler(), "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestServer_CastsAndStats(t *testing.T) {
	s, _ := newTestServer(t, Dependencies{})
	ctx := context.Background()
	p := s.deps.Processor

	require.NoError(t, p.Process(ctx, []byte(`{"kind":"cast_start","timestamp":0,"actor_id":7,"spell_id":100}`)))
	require.NoError(t, p.Process(ctx, []byte(`{"kind":"cast_start","timestamp":10,"actor_id":8,"spell_id":100}`)))

	rec, body := get(t, s.Handler(), "/api/casts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	assert.EqualValues(t, 10, body["watermarks"].(map[string]interface{})[""])

	_, body = get(t, s.Handler(), "/api/casts?caster_id=8")
	require.EqualValues(t, 1, body["count"])
	cast := body["casts"].([]interface{})[0].(map[string]interface{})
	assert.EqualValues(t, 8, cast["caster_id"])
	assert.EqualValues(t, 3010, cast["deadline"])

	for _, bad := range []string{"abc", "-1", "9223372036854775808", "18446744073709551615"} {
		rec, _ = get(t, s.Handler(), "/api/casts?caster_id="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	_, body = get(t, s.Handler(), "/api/stats")
	processor := body["processor"].(map[string]interface{})
	assert.EqualValues(t, 2, processor["records"])
	assert.EqualValues(t, 2, processor["active_casts"])
	assert.EqualValues(t, 0, body["websocket_clients"])
	assert.NotContains(t, body, "router")
}

func TestServer_EventsWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, Dependencies{})

	rec, body := get(t, s.Handler(), "/api/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "event store not configured", body["error"])

	rec, _ = get(t, s.Handler(), "/api/unresolved")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Events(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, _ := newTestServer(t, Dependencies{Store: services.NewEventStore(db)})

	id := uuid.NewString()
	mock.ExpectQuery(regexp.QuoteMeta("FROM correlated_events WHERE kind = $1 AND caster_id = $2 ORDER BY resolved_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("interrupted", int64(7), 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "caster_id", "spell_id", "target_id", "started_at", "deadline",
			"resolved_at", "resolver_id", "resolver_spell_id", "created_at",
		}).AddRow(id, "interrupted", int64(7), int64(100), nil, int64(0), int64(3000),
			int64(1000), int64(9), int64(200), time.Now()))

	rec, body := get(t, s.Handler(), "/api/events?kind=interrupted&caster_id=7&limit=20")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].(map[string]interface{})["id"])
	assert.EqualValues(t, 9, events[0].(map[string]interface{})["resolver_id"])
	require.NoError(t, mock.ExpectationsWereMet())

	rec, _ = get(t, s.Handler(), "/api/events?kind=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 与 /api/casts 使用同一解析，超出 BIGINT 的 ID 不会回绕成负数查询
	for _, bad := range []string{"-7", "18446744073709551615"} {
		rec, body = get(t, s.Handler(), "/api/events?caster_id="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.Equal(t, "invalid caster_id", body["error"])
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_Unresolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, _ := newTestServer(t, Dependencies{Store: services.NewEventStore(db)})

	mock.ExpectQuery(regexp.QuoteMeta("FROM unresolved_casts WHERE reason = $1 ORDER BY id DESC LIMIT $2")).
		WithArgs("expired", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "caster_id", "spell_id", "target_id", "started_at", "deadline", "reason", "created_at",
		}).AddRow(int64(1), int64(7), int64(100), nil, int64(0), int64(5000), "expired", time.Now()))

	rec, body := get(t, s.Handler(), "/api/unresolved?reason=expired")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["unresolved"], 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_WebSocketFilters(t *testing.T) {
	s, hub := newTestServer(t, Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","kinds":["interrupted"],"casters":[7]}`)))

	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []models.EntityID{7}, ack.Casters)
	assert.Equal(t, 1, hub.ClientCount())

	cast := models.ActiveCast{CasterID: 7, SpellID: 100, Deadline: 3000}
	other := models.ActiveCast{CasterID: 8, SpellID: 100, Deadline: 3000}
	require.NoError(t, hub.Publish(ctx, &models.Completed{ID: uuid.New(), Cast: cast, SucceededAt: 3000}))
	require.NoError(t, hub.Publish(ctx, &models.Interrupted{ID: uuid.New(), Cast: other, InterrupterID: 9, Timestamp: 500}))
	want := &models.Interrupted{ID: uuid.New(), Cast: cast, InterrupterID: 9, InterruptSpellID: 200, Timestamp: 1000}
	require.NoError(t, hub.Publish(ctx, want))

	var got struct {
		Kind  models.CorrelatedKind `json:"kind"`
		Event models.Interrupted    `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.CorrelatedInterrupted, got.Kind)
	assert.Equal(t, want.ID, got.Event.ID)
	assert.Equal(t, cast, got.Event.Cast)
}

func TestHub_PublishAfterStop(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := hub.Publish(context.Background(), &models.Completed{ID: uuid.New()})
	assert.Error(t, err)
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"livedata-service/config"
	"livedata-service/logger"
	"livedata-service/pkg/ingestion"
	"livedata-service/pkg/interfaces"
	"livedata-service/pkg/models"
	"livedata-service/pkg/processing"
	"livedata-service/services"
)

// Dependencies Server 依赖的组件，Store/Router/Sources/Tracker 可以为 nil
type Dependencies struct {
	Processor *processing.Processor
	Emitter   *processing.Emitter
	Store     *services.EventStore
	Router    *ingestion.StreamRouter
	Sources   *ingestion.SourceManager
	Tracker   *services.UnresolvedTracker
	Health    *interfaces.HealthChecker
}

type Server struct {
	config     *config.Config
	deps       Dependencies
	wsHub      *Hub
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg *config.Config, hub *Hub, deps Dependencies) *Server {
	if deps.Health == nil {
		deps.Health = interfaces.NewHealthChecker(nil, 0)
	}
	return &Server{
		config: cfg,
		deps:   deps,
		wsHub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源(生产环境需要限制)
			},
		},
	}
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// API路由
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/casts", s.handleGetCasts).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/unresolved", s.handleGetUnresolved).Methods("GET")

	// WebSocket路由
	router.HandleFunc("/ws", s.handleWebSocket)

	// CORS配置
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return c.Handler(router)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Printf("[Server] Listening on :%s", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("[Server] Shutdown error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// handleHealth 健康检查，任一检查失败返回 503
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())

	code := http.StatusOK
	if status.Status != interfaces.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleGetStats 处理器、路由、数据源和推送统计
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"processor":         s.deps.Processor.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
		"websocket_dropped": s.wsHub.Dropped(),
		"time":              time.Now().Unix(),
	}

	if e := s.deps.Emitter; e != nil {
		body["emitter"] = map[string]interface{}{
			"pending": e.Pending(),
			"dropped": e.Dropped(),
			"failed":  e.Failed(),
		}
	}
	if rt := s.deps.Router; rt != nil {
		body["router"] = map[string]interface{}{
			"streams":   rt.StreamCount(),
			"processed": rt.Processed(),
			"failed":    rt.Failed(),
		}
	}
	if src := s.deps.Sources; src != nil {
		body["sources"] = src.Status()
	}
	if t := s.deps.Tracker; t != nil {
		counts, total := t.Snapshot()
		body["unresolved"] = map[string]interface{}{
			"counts": counts,
			"total":  total,
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// handleGetCasts 当前进行中的施法，可按 caster_id 过滤
func (s *Server) handleGetCasts(w http.ResponseWriter, r *http.Request) {
	caster, ok := casterParam(w, r)
	if !ok {
		return
	}

	casts := s.deps.Processor.Registry().Snapshot(caster)
	if casts == nil {
		casts = []models.ActiveCast{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"casts":      casts,
		"count":      len(casts),
		"watermarks": s.deps.Processor.Watermarks(),
	})
}

// handleGetEvents 从数据库查询关联事件
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}

	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	q := services.EventQuery{Limit: limit, Offset: offset}
	if kind := query.Get("kind"); kind != "" {
		switch models.CorrelatedKind(kind) {
		case models.CorrelatedCompleted, models.CorrelatedInterrupted, models.CorrelatedStolen:
			q.Kind = kind
		default:
			writeError(w, http.StatusBadRequest, "invalid kind")
			return
		}
	}
	caster, ok := casterParam(w, r)
	if !ok {
		return
	}
	q.CasterID = caster

	events, err := s.deps.Store.ListEvents(r.Context(), q)
	if err != nil {
		logger.Errorf("[Server] Failed to list events: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
		"offset": offset,
	})
}

// casterParam 解析可选的 caster_id 参数，非法时写入 400 并返回 false
func casterParam(w http.ResponseWriter, r *http.Request) (*models.EntityID, bool) {
	v := r.URL.Query().Get("caster_id")
	if v == "" {
		return nil, true
	}
	id, err := models.ParseEntityID(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caster_id")
		return nil, false
	}
	return &id, true
}

// handleGetUnresolved 查询未结算施法记录
func (s *Server) handleGetUnresolved(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))

	casts, err := s.deps.Store.ListUnresolved(r.Context(), query.Get("reason"), limit)
	if err != nil {
		logger.Errorf("[Server] Failed to list unresolved casts: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unresolved": casts,
	})
}

// handleWebSocket WebSocket连接处理
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("[WebSocket] Upgrade error: %v", err)
		return
	}

	client := newClient(s.wsHub, conn)
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

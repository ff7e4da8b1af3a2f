package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"livedata-service/config"
	"livedata-service/database"
	"livedata-service/logger"
	"livedata-service/pkg/catalog"
	"livedata-service/pkg/common"
	"livedata-service/pkg/ingestion"
	"livedata-service/pkg/interfaces"
	"livedata-service/pkg/processing"
	"livedata-service/services"
	"livedata-service/web"
)

func main() {
	// 加载配置
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Println("Starting Live Data Processor...")

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := interfaces.NewHealthChecker(common.NewLogger("HealthChecker"), 5*time.Second)
	dispatcher := processing.NewDispatcher(common.NewLogger("Dispatcher"))
	reporters := services.Reporters{services.NewLogReporter(nil)}

	// 连接数据库 (可选)
	var (
		db         *sql.DB
		store      *services.EventStore
		storeQueue *processing.ReportQueue
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if cfg.AutoMigrate {
			if err := database.Migrate(db); err != nil {
				logger.Fatalf("Failed to migrate database: %v", err)
			}
		}
		logger.Println("Database connected")

		store = services.NewEventStore(db)
		mustSubscribe(dispatcher, processing.Subscriber{ID: "postgres", Sink: store})
		// 写库在独立协程中进行，关联路径只入队
		storeQueue = processing.NewReportQueue(store, cfg.ReportQueueCapacity, common.NewLogger("ReportQueue"))
		reporters = append(reporters, storeQueue)
		health.RegisterCheck("database", store.Ping)
	}

	spells, err := loadCatalog(ctx, cfg, db)
	if err != nil {
		logger.Fatalf("Failed to load spell catalog: %v", err)
	}
	logger.Printf("Spell catalog loaded: %d spells", spells.Len())

	// Redis Stream 输出 (可选)
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()

		sink := services.NewRedisSink(client, cfg.RedisStream, cfg.RedisStreamMax)
		mustSubscribe(dispatcher, processing.Subscriber{ID: "redis", Sink: sink})
		health.RegisterCheck("redis", sink.Ping)
	}

	// 创建WebSocket Hub
	wsHub := web.NewHub()
	mustSubscribe(dispatcher, processing.Subscriber{ID: "websocket", Sink: wsHub})

	// 飞书通知与未结算统计
	larkNotifier := services.NewLarkNotifier(cfg.LarkWebhook)
	tracker := services.NewUnresolvedTracker(larkNotifier, cfg.ReportInterval)
	reporters = append(reporters, tracker)

	emitter := processing.NewEmitter(dispatcher, cfg.EmitterCapacity, common.NewLogger("Emitter"))
	processor := processing.NewProcessor(ingestion.NewDecoder(spells), spells, emitter, processing.Options{
		Shards:            cfg.RegistryShards,
		DefaultCastWindow: cfg.DefaultCastWindow,
		Reporter:          reporters,
		Logger:            common.NewLogger("Processor"),
	})

	// 路由在 Close 时需要继续处理队列中的记录，不跟随信号取消
	router := ingestion.NewStreamRouter(context.Background(), processor.ProcessStream, cfg.StreamBuffer, common.NewLogger("StreamRouter"))

	sources := ingestion.NewSourceManager(common.NewLogger("SourceManager"), 30*time.Second)
	if cfg.AMQPURL != "" {
		mustRegister(sources, services.NewAMQPFeed(cfg, router))
	}
	if cfg.MQTTBroker != "" {
		mustRegister(sources, services.NewMQTTFeed(cfg, router))
	}
	health.RegisterCheck("feeds", func(context.Context) error {
		if !sources.Connected() {
			return common.ErrNotConnected
		}
		return nil
	})

	monitor := services.NewFeedMonitor(func() uint64 {
		return processor.Stats().Records
	}, larkNotifier, cfg.FeedIdleThreshold)
	health.RegisterCheck("feed_activity", monitor.Healthy)

	server := web.NewServer(cfg, wsHub, web.Dependencies{
		Processor: processor,
		Emitter:   emitter,
		Store:     store,
		Router:    router,
		Sources:   sources,
		Tracker:   tracker,
		Health:    health,
	})

	// 后台服务
	svcCtx, cancelServices := context.WithCancel(context.Background())
	defer cancelServices()
	group, groupCtx := errgroup.WithContext(svcCtx)

	emitterDone := make(chan error, 1)
	go func() {
		emitterDone <- emitter.Run(context.Background())
	}()
	reportsDone := make(chan error, 1)
	if storeQueue != nil {
		go func() {
			reportsDone <- storeQueue.Run(context.Background())
		}()
	} else {
		reportsDone <- nil
	}
	group.Go(func() error { return processor.RunSweeper(groupCtx, cfg.SweepInterval) })
	group.Go(func() error { return tracker.Run(groupCtx) })
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error { return wsHub.Run(groupCtx) })
	group.Go(server.Start)

	// 启动数据源
	feedCtx, cancelFeeds := context.WithCancel(context.Background())
	defer cancelFeeds()
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- sources.RunAll(feedCtx)
	}()

	names := make([]string, 0)
	for _, st := range sources.Status() {
		names = append(names, st.Name)
	}
	if err := larkNotifier.NotifyServiceStart(ctx, names); err != nil {
		logger.Printf("Failed to send startup notification: %v", err)
	}
	logger.Printf("Live Data Processor started on port %s with sources %v", cfg.Port, names)

	// 等待退出
	feedsStopped := false
	select {
	case <-ctx.Done():
		logger.Println("Shutting down...")
	case <-groupCtx.Done():
		logger.Errorf("Background service stopped unexpectedly, shutting down")
	case err := <-feedDone:
		feedsStopped = true
		logger.Errorf("Feed sources stopped: %v", err)
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = larkNotifier.NotifyError(notifyCtx, "Feeds", fmt.Sprint(err))
		cancel()
	}

	// 依次停止：数据源 -> 流路由 -> 处理器 -> 发送器与上报队列 -> 后台服务
	cancelFeeds()
	if !feedsStopped {
		<-feedDone
	}
	if err := router.Close(); err != nil {
		logger.Errorf("Stream router close error: %v", err)
	}
	drained := processor.Shutdown()
	emitter.Close()
	if err := <-emitterDone; err != nil {
		logger.Errorf("Emitter stopped with error: %v", err)
	}
	if storeQueue != nil {
		storeQueue.Close()
	}
	if err := <-reportsDone; err != nil {
		logger.Errorf("Report queue stopped with error: %v", err)
	}

	server.Stop()
	cancelServices()
	if err := group.Wait(); err != nil {
		logger.Errorf("Background service error: %v", err)
	}

	stats := processor.Stats()
	logger.Printf("Stopped: records=%d drained=%d dropped=%d", stats.Records, drained, stats.Dropped)
}

func loadCatalog(ctx context.Context, cfg *config.Config, db *sql.DB) (*catalog.MemoryCatalog, error) {
	if cfg.CatalogFile != "" {
		return catalog.LoadFromFile(cfg.CatalogFile)
	}
	if db == nil {
		return nil, fmt.Errorf("no catalog source: set CATALOG_FILE or DATABASE_URL")
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return catalog.LoadFromDB(loadCtx, db)
}

func mustSubscribe(d *processing.Dispatcher, sub processing.Subscriber) {
	if err := d.Subscribe(sub); err != nil {
		logger.Fatalf("Failed to subscribe %s: %v", sub.ID, err)
	}
}

func mustRegister(m *ingestion.SourceManager, source ingestion.FeedSource) {
	if err := m.Register(source); err != nil {
		logger.Fatalf("Failed to register source %s: %v", source.Name(), err)
	}
}

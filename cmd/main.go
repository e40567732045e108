package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/config"
	"github.com/Gopher0727/Cloak/internal/api"
	"github.com/Gopher0727/Cloak/internal/events"
	"github.com/Gopher0727/Cloak/internal/feed"
	"github.com/Gopher0727/Cloak/internal/handler"
	"github.com/Gopher0727/Cloak/internal/metrics"
	"github.com/Gopher0727/Cloak/internal/moderation"
	"github.com/Gopher0727/Cloak/internal/present"
	"github.com/Gopher0727/Cloak/internal/service"
	"github.com/Gopher0727/Cloak/internal/storage"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/firestorestore"
	"github.com/Gopher0727/Cloak/internal/store/memory"
	"github.com/Gopher0727/Cloak/internal/store/notify"
	"github.com/Gopher0727/Cloak/internal/store/pgstore"
	"github.com/Gopher0727/Cloak/internal/store/redisstore"
	"github.com/Gopher0727/Cloak/internal/sweeper"
	"github.com/Gopher0727/Cloak/internal/ws"
	logger "github.com/Gopher0727/Cloak/middleware/log"
	"github.com/Gopher0727/Cloak/utils/ratelimit"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the config file, empty for defaults only")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("server exited", zap.Error(err))
		_ = lg.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ids, err := snowflake.NewGenerator(cfg.Snowflake.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}

	// Redis 是 redis 驱动的必需依赖；其他驱动下仅用于限流与变更通知
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = storage.InitRedis(ctx, cfg.Redis, lg.Component("redis"))
		if err != nil && cfg.Store.Driver == "redis" {
			return err
		}
		if err != nil {
			lg.Warn("redis unavailable, continuing without rate limiting and cross-node notifications", zap.Error(err))
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	st, err := openStore(ctx, cfg, lg, ids, redisClient)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled() {
		k, err := events.NewKafka(&cfg.Kafka, lg.Component("events"), m)
		if err != nil {
			lg.Warn("kafka producer unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			publisher = k
		}
	}
	defer publisher.Close()

	presenter := present.New(cfg.Feed.GroupWindow)
	controller := moderation.NewController(st, cfg.Moderation.ReportThreshold,
		moderation.WithPublisher(publisher),
		moderation.WithLogger(lg.Component("moderation")),
		moderation.WithMetrics(m),
	)
	chatService := service.NewChatService(st, controller,
		service.WithPublisher(publisher),
		service.WithLogger(lg.Component("service")),
		service.WithMetrics(m),
		service.WithPresenter(presenter),
		service.WithMaxContentLength(cfg.Feed.MaxContentLength),
	)
	synchronizer := feed.NewSynchronizer(st,
		feed.WithPresenter(presenter),
		feed.WithLogger(lg.Component("feed")),
		feed.WithMetrics(m),
		feed.WithBackoff(cfg.Feed.ResubscribeBackoff, cfg.Feed.ResubscribeMaxBackoff),
	)

	schedule, err := sweeper.NewSchedule(cfg.Sweeper.Interval, cfg.Sweeper.Cron)
	if err != nil {
		return err
	}
	sw := sweeper.New(st,
		sweeper.WithSchedule(schedule),
		sweeper.WithOwnership(sweeper.NewOwnership(cfg.Sweeper.NodeID, cfg.Sweeper.Nodes)),
		sweeper.WithWorkers(cfg.Sweeper.Workers),
		sweeper.WithTimeout(cfg.Sweeper.Timeout),
		sweeper.WithRunOnStart(cfg.Sweeper.RunOnStart),
		sweeper.WithPublisher(publisher),
		sweeper.WithLogger(lg.Component("sweeper")),
		sweeper.WithMetrics(m),
	)
	sw.Start(ctx)
	defer sw.Stop()

	hub := ws.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-hub.Done()
	}()

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, lg.Component("ratelimit"), cfg.RateLimit.FailOpen)
	}
	mw := api.NewMiddlewareManager(limiter, lg.Component("http"), m)
	r := api.NewEngine(&cfg.Server, mw, reg)
	api.RegisterRoutes(r, mw,
		api.Limits{
			Post:   ratelimit.PerMinute("post", cfg.RateLimit.MessagesPerMinute),
			Report: ratelimit.PerMinute("report", cfg.RateLimit.ReportsPerMinute),
		},
		handler.NewChatHandler(chatService),
		ws.ServeWs(hub, synchronizer, lg.Component("ws")),
	)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("正在启动服务器", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, lg *logger.Logger, ids *snowflake.Generator, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return redisstore.New(redisClient, ids, cfg.Feed.TTL), nil

	case "postgres":
		db, err := storage.InitPostgres(cfg.Postgres, lg.Component("postgres"), &pgstore.Row{})
		if err != nil {
			return nil, err
		}
		// 多节点时依赖 Redis 广播变更，否则只在本进程内通知
		var notifier notify.Notifier = notify.NewLocal()
		if redisClient != nil {
			notifier = notify.NewRedis(redisClient, notify.DefaultPrefix)
		}
		return pgstore.New(db, ids, cfg.Feed.TTL, notifier), nil

	case "firestore":
		fs, err := firestorestore.NewStore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.Collection, ids, cfg.Feed.TTL)
		if err != nil {
			return nil, err
		}
		return fs, nil

	default:
		lg.Warn("using the in-memory store, messages are lost on restart")
		return memory.New(ids, memory.WithTTL(cfg.Feed.TTL)), nil
	}
}

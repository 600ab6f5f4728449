package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/agrilink/internal/config"
	etahandler "github.com/example/agrilink/internal/eta/handler"
	etasvc "github.com/example/agrilink/internal/eta/service"
	"github.com/example/agrilink/internal/history"
	ratelimit "github.com/example/agrilink/internal/http/middleware"
	"github.com/example/agrilink/internal/location"
	outboxworker "github.com/example/agrilink/internal/outbox"
	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/domain"
	"github.com/example/agrilink/internal/presence/geoindex"
	"github.com/example/agrilink/internal/presence/handler"
	"github.com/example/agrilink/internal/presence/registry"
	"github.com/example/agrilink/internal/presence/sink"
	"github.com/example/agrilink/internal/presence/sweeper"
	"github.com/example/agrilink/pkg/observability"
	outboxpkg "github.com/example/agrilink/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer(viper.New(), os.Getenv(config.EnvPrefix+"_CONFIG"))
	logger := observability.SetupLogger("presence-service", cfg.Log.Level)
	defer logger.Sync() //nolint:errcheck
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	shutdown, err := observability.SetupTracer(ctx, "presence-service", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var ready []observability.ReadyCheck

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		ready = append(ready, func() error { return db.PingContext(context.Background()) })
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		ready = append(ready, func() error { return redisClient.Ping(context.Background()).Err() })
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("presenceservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	reg := registry.New(domain.SystemClock{}, registry.WithStrictLocation(cfg.Presence.StrictLocation))

	// Collaborators fed from the broadcast path.
	var (
		sinks    []sink.Sink
		recorder handler.HistoryRecorder
		reader   handler.HistoryReader
		index    etasvc.GeoIndex
	)
	if redisClient != nil {
		geo := geoindex.NewRedisGeoIndex(redisClient, cfg.Redis.GeoKey)
		sinks = append(sinks, geo)
		index = geo
	}
	if db != nil {
		pg := history.NewPostgresRecorder(db, cfg.NATS.Subject)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("history schema", zap.Error(err))
		}
		historySinks, rec := historyPaths(cfg.History.Mode, pg)
		sinks = append(sinks, historySinks...)
		recorder = rec
		reader = pg
		logger.Info("location history enabled", zap.String("mode", cfg.History.Mode))
	} else if natsConn != nil {
		sinks = append(sinks, outboxpkg.NewPublisher(natsConn, cfg.NATS.Subject))
	}
	events := sink.NewAsync(logger.Named("sink"), sink.Config{QueueSize: cfg.Presence.SinkQueue}, sinks...)

	ch := channel.New(reg, events, logger.Named("channel"))

	sw := sweeper.New(reg, logger.Named("sweeper"), sweeper.Config{
		Interval:  cfg.Presence.SweepInterval,
		Retention: cfg.Presence.Retention,
	})
	go func() {
		if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.Poll,
			BatchSize:    cfg.Outbox.Batch,
			RetryMax:     cfg.Outbox.RetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	limiter := ratelimit.NewRateLimiter(redisClient, ratelimit.RateConfig{
		Rate:  cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	}, logger.Named("ratelimit"))
	router := handler.NewRouter(handler.RouterConfig{
		WS:        handler.NewWS(ch, logger.Named("ws"), handler.WSConfig{SendBuffer: cfg.Presence.SendBuffer}),
		REST:      handler.NewREST(reg, recorder, logger.Named("rest")).WithReader(reader),
		ETA:       etahandler.New(etasvc.New(reg, index, logger.Named("eta"))),
		JWTSecret: cfg.Auth.JWTSecret,
		Limiter:   limiter,
		Ready:     ready,
	})
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("authentication disabled, every connection is trusted")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("presence service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	grpcSrv := grpc.NewServer()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		location.RegisterIngestServer(grpcSrv, location.NewServer(ch, cfg.Auth.JWTSecret, logger.Named("grpc")))
		go func() {
			logger.Info("location ingest listening", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn("presence sinks did not drain", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/conversion-relay/common/audit"
	"github.com/telhawk-systems/conversion-relay/common/logging"
	natsclient "github.com/telhawk-systems/conversion-relay/common/messaging/nats"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/auditlog"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/config"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/deststats"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/handlers"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/lock"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/mapping"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/orchestrator"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/outcomes"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/repository"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/scheduler"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/server"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/service"
	"github.com/telhawk-systems/conversion-relay/delivery/internal/transport"
	"github.com/telhawk-systems/conversion-relay/delivery/pkg/tokens"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("delivery"))
	logging.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", logging.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("delivery service failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Redis backs the run lock, mapping cache and destination stats.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("connected to redis")
	} else {
		logger.Warn("redis disabled, using in-process run lock and uncached mappings")
	}

	var resolver mapping.Resolver = mapping.NewStoreResolver(repo)
	var locker lock.Locker = lock.NewLocalLocker()
	opts := service.Options{Logger: logger.Logger}

	if rdb != nil {
		resolver = mapping.NewCachedResolver(resolver, rdb, cfg.Mappings.CacheTTL, logger.Logger)
		locker = lock.NewRedisLocker(rdb, cfg.Lock.Key, cfg.Lock.TTL)
		if cfg.Stats.Enabled {
			opts.Stats = deststats.NewClient(rdb, instanceID(cfg.Stats.InstanceID))
		}
	}

	if cfg.NATS.Enabled {
		js, err := openJetStream(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer js.Drain()
		opts.Publisher = outcomes.NewPublisher(js)
	}

	if cfg.OpenSearch.Enabled {
		client, err := auditlog.NewClient(auditlog.ClientConfig{
			URL:      cfg.OpenSearch.URL,
			Username: cfg.OpenSearch.Username,
			Password: cfg.OpenSearch.Password,
			Insecure: cfg.OpenSearch.Insecure,
		})
		if err != nil {
			return err
		}
		var signer *audit.RunSigner
		if cfg.OpenSearch.SigningKey != "" {
			signer = audit.NewRunSigner(cfg.OpenSearch.SigningKey)
		}
		opts.Audit = auditlog.NewSink(client, signer, cfg.OpenSearch.IndexPrefix)
		logger.Info("run audit indexing enabled", slog.String("url", cfg.OpenSearch.URL))
	}

	tr := transport.NewMetaTransport(transport.MetaConfig{
		BaseURL:       cfg.Meta.BaseURL,
		APIVersion:    cfg.Meta.APIVersion,
		Timeout:       cfg.Meta.Timeout,
		TestEventCode: cfg.Meta.TestEventCode,
	})

	orch := orchestrator.New(repo, resolver, tr, orchestrator.Config{
		BatchLimit:  cfg.Delivery.BatchLimit,
		StaleAfter:  cfg.Delivery.StaleAfter,
		MaxRetries:  cfg.Delivery.MaxRetries,
		Workers:     cfg.Delivery.Workers,
		SendTimeout: cfg.Delivery.SendTimeout,
		ClaimLease:  cfg.Delivery.ClaimLease,
	}, logger.Logger)

	svc := service.NewService(orch, locker, repo, opts)

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched = scheduler.NewScheduler(svc, cfg.Schedule.Interval, logger.Logger)
		go sched.Start(ctx)
	}

	h := handlers.NewHandler(svc, repo, logger)
	auth := tokens.NewTriggerTokens(cfg.Trigger.Secret, cfg.Trigger.TokenTTL)
	router := server.NewRouter(h, auth, logger.Logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("delivery service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	if cfg.Database.Type == config.DatabaseMemory {
		logger.Warn("using in-memory event store, events are lost on restart")
		return repository.NewMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()

	// Run database migrations
	logger.Info("running database migrations", slog.String("source", cfg.Database.Migrations))
	m, err := migrate.New(cfg.Database.Migrations, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		logger.Warn("failed to close migrator", logging.Error(err))
	}
	logger.Info("database migrations completed")

	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries
	opt.PoolSize = cfg.PoolSize

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func openJetStream(ctx context.Context, cfg config.NATSConfig, logger *logging.Logger) (*natsclient.JetStreamClient, error) {
	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.URL
	natsCfg.MaxReconnects = cfg.MaxReconnects
	natsCfg.ReconnectWait = cfg.ReconnectWait
	natsCfg.Logger = logger.Logger

	js, err := natsclient.NewJetStreamClient(natsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(streamCtx, natsclient.ConversionDeliveryStream); err != nil {
		js.Close()
		return nil, err
	}

	logger.Info("outcome publishing enabled", slog.String("stream", natsclient.ConversionDeliveryStream.Name))
	return js, nil
}

func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "delivery"
}

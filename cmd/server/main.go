package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"relgraph/internal/api"
	"relgraph/internal/app/bootstrap"
	"relgraph/internal/cache"
	"relgraph/internal/db/postgres"
	redisdb "relgraph/internal/db/redis"
	"relgraph/internal/domain/pipeline"
	"relgraph/internal/platform/config"
	applog "relgraph/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repo.EnsureTables(migrateCtx); err != nil {
		migrateCancel()
		applog.Fatalf("❌ Failed to ensure tables: %v", err)
	}
	migrateCancel()
	applog.Info("✅ Tables ready (query_results, entity_relationships)")

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	clock := cache.SystemClock{}
	memStore := cache.NewMemoryStore(clock,
		time.Duration(cfg.Cache.DefaultTTLSeconds)*time.Second,
		time.Duration(cfg.Cache.StepRetentionSeconds)*time.Second,
	)
	memStore.StartSweeper(sweepCtx, time.Duration(cfg.Cache.SweepIntervalSeconds)*time.Second)

	var shared cache.SharedCache
	if cfg.Redis.URL != "" {
		if opt, err := goredis.ParseURL(cfg.Redis.URL); err != nil {
			applog.Warnf("⚠️  Redis URL invalid, shared cache disabled: %v", err)
		} else {
			redisClient := goredis.NewClient(opt)
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = redisClient.Ping(pingCtx).Err()
			pingCancel()
			if err != nil {
				applog.Warnf("⚠️  Redis ping failed, shared cache disabled: %v", err)
			} else {
				shared = redisdb.NewResultCache(redisClient, cfg.Cache.SharedTTLSeconds)
				applog.Infof("✅ Shared result cache initialized (TTL: %ds)", cfg.Cache.SharedTTLSeconds)
			}
		}
	} else {
		applog.Info("ℹ️  No REDIS_URL set, shared cache disabled")
	}

	resultCache := cache.NewResultCache(memStore, shared, repo, clock,
		time.Duration(cfg.Cache.FreshnessWindowSeconds)*time.Second)

	providers := bootstrap.BuildProviders(cfg)
	applog.Infof("✅ Providers initialized (search: %s -> %s, structure: %s)",
		providers.Primary.Name(), providers.Fallback.Name(), providers.Structurer.Name())

	processor := pipeline.NewProcessor(resultCache, repo,
		providers.Primary, providers.Fallback, providers.Structurer, providers.Avatars)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.RunTimeout = time.Duration(cfg.Server.RunTimeoutSeconds) * time.Second
	serverConfig.Heartbeat = time.Duration(cfg.Server.HeartbeatSeconds) * time.Second
	server := api.NewServer(serverConfig, repo, processor)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		sweepCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

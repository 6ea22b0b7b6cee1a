package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/alG-N/alterGoldenBot-sub007/internal/bus"
	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
	"github.com/alG-N/alterGoldenBot-sub007/internal/lockdown"
	"github.com/alG-N/alterGoldenBot-sub007/internal/services"
)

const (
	Version     = "2.1.0"
	ServiceName = "alterGolden shard coordinator"
)

type Config struct {
	ShardID     int
	TotalShards int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPPort string

	FallbackCapacity int
	SweepInterval    time.Duration
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	SettingsTTL      time.Duration
	LockdownTTL      time.Duration
	LockdownPacing   time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration

	EnableDebug bool
}

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	printBanner(cfg)

	log.Println("Initializing coordination layer...")

	var redisClient cache.RedisClient
	var pubsub bus.PubSub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisClient = cache.NewRedisClient(rdb)
		pubsub = bus.NewRedisPubSub(rdb)
	} else {
		log.Println("No REDIS_ADDR configured, running fallback-only")
	}

	svc := services.New(services.Deps{
		Redis:   redisClient,
		PubSub:  pubsub,
		Gateway: gatewayStub{},
		Source:  defaultSource{},
		Local:   newLocalState(cfg.ShardID),

		ShardID:        cfg.ShardID,
		TotalShards:    cfg.TotalShards,
		RequestTimeout: cfg.RequestTimeout,
		CacheOptions: cache.Options{
			FallbackCapacity: cfg.FallbackCapacity,
			SweepInterval:    cfg.SweepInterval,
			PingInterval:     cfg.PingInterval,
			Debug:            cfg.EnableDebug,
		},
		SettingsTTL: cfg.SettingsTTL,
		LockdownOpts: lockdown.Options{
			RecordTTL: cfg.LockdownTTL,
			Pacing:    cfg.LockdownPacing,
		},
		BusDebug:    cfg.EnableDebug,
		LimitsDebug: cfg.EnableDebug,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	httpSrv := startAdminServer(cfg, svc)

	log.Println("========================================")
	log.Printf("%s is running!", ServiceName)
	log.Println("========================================")

	gracefulShutdown(cfg, httpSrv)
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		ShardID:     getenvInt("SHARD_ID", 0),
		TotalShards: getenvInt("TOTAL_SHARDS", 1),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		HTTPPort: getenv("PORT", "8090"),

		FallbackCapacity: getenvInt("FALLBACK_CAPACITY", cache.DefaultFallbackCapacity),
		SweepInterval:    getenvDuration("SWEEP_INTERVAL", cache.DefaultSweepInterval),
		PingInterval:     getenvDuration("PING_INTERVAL", 10*time.Second),
		RequestTimeout:   getenvDuration("REQUEST_TIMEOUT", bus.DefaultRequestTimeout),
		SettingsTTL:      getenvDuration("SETTINGS_TTL", 5*time.Minute),
		LockdownTTL:      getenvDuration("LOCKDOWN_TTL", lockdown.DefaultRecordTTL),
		LockdownPacing:   getenvDuration("LOCKDOWN_PACING", lockdown.DefaultPacing),

		HTTPReadTimeout:  getenvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getenvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		EnableDebug: getenvBool("ENABLE_DEBUG", false),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.TotalShards < 1 {
		return fmt.Errorf("TOTAL_SHARDS must be >= 1, got %d", cfg.TotalShards)
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.TotalShards {
		return fmt.Errorf("SHARD_ID must be in [0, %d), got %d", cfg.TotalShards, cfg.ShardID)
	}
	if cfg.TotalShards > 1 && cfg.RedisAddr == "" {
		return fmt.Errorf("TOTAL_SHARDS > 1 requires REDIS_ADDR for cross-shard coordination")
	}
	if cfg.FallbackCapacity < 1 {
		return fmt.Errorf("FALLBACK_CAPACITY must be >= 1, got %d", cfg.FallbackCapacity)
	}
	return nil
}

func printBanner(cfg *Config) {
	banner := `
========================================
   %s v%s
========================================

System:
  Go:           %s
  CPU:          %d cores
  Platform:     %s/%s

Config:
  Shard:        %d of %d
  Redis:        %s
  HTTP:         :%s
  Fallback:     %d entries, sweep %v
  Timeout:      %v (scatter-gather)

Endpoints:
  Health:       http://localhost:%s/health
  Stats:        http://localhost:%s/v1/stats
  Metrics:      http://localhost:%s/metrics

========================================
`
	redisStr := cfg.RedisAddr
	if redisStr == "" {
		redisStr = "(none, fallback-only)"
	}

	fmt.Printf(banner,
		ServiceName, Version,
		runtime.Version(),
		runtime.NumCPU(),
		runtime.GOOS, runtime.GOARCH,
		cfg.ShardID, cfg.TotalShards,
		redisStr,
		cfg.HTTPPort,
		cfg.FallbackCapacity, cfg.SweepInterval,
		cfg.RequestTimeout,
		cfg.HTTPPort, cfg.HTTPPort, cfg.HTTPPort,
	)
}

func startAdminServer(cfg *Config, svc *services.Services) *http.Server {
	router := mux.NewRouter()
	registerRoutes(router, svc)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	go func() {
		log.Printf("Admin server listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()
	return srv
}

func gracefulShutdown(cfg *Config, httpSrv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Printf("Received %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("Admin server shutdown: %v", err)
	}
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getenvInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

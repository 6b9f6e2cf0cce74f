package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"roomcast/internal/api"
	"roomcast/internal/cache"
	"roomcast/internal/observability/logging"
	"roomcast/internal/room"
	"roomcast/internal/server"
	"roomcast/internal/state"
	"roomcast/internal/stream"
	"roomcast/internal/users"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataDir := flag.String("data-dir", "", "base directory for persisted files")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	adminSecret := flag.String("admin-secret", "", "shared secret for the admin control surface")
	stateDriver := flag.String("state-driver", "", "room state driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for room state and broadcast fan-out")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisPrefix := flag.String("redis-prefix", "", "Redis key prefix")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	roomTTL := flag.Duration("room-ttl", 0, "idle lifetime of room state entries")
	heartbeat := flag.Duration("ws-heartbeat", 0, "websocket ping interval")
	catalogDriver := flag.String("catalog-driver", "", "transcode catalog driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the transcode catalog")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	cacheDir := flag.String("cache-dir", "", "transcode cache directory")
	cacheMaxAge := flag.Duration("cache-max-age", 0, "age after which cached files are evicted")
	cacheSweepInterval := flag.Duration("cache-sweep-interval", 0, "interval between cache eviction sweeps")
	workDir := flag.String("work-dir", "", "directory for upload staging and broadcast sessions")
	rtmpURL := flag.String("rtmp-url", "", "outbound RTMP ingest URL")
	streamKey := flag.String("stream-key", "", "outbound RTMP stream key")
	ffmpegPath := flag.String("ffmpeg-path", "", "ffmpeg binary")
	idleThreshold := flag.Duration("idle-threshold", 0, "admin inactivity span before an active broadcast is stopped")
	watchdogInterval := flag.Duration("watchdog-interval", 0, "interval between idle checks")
	allowedUsers := flag.String("allowed-users", "", "comma separated username allow-list (empty allows everyone)")
	verifyUploads := flag.Bool("verify-uploads", false, "reject uploads whose bytes do not match the supplied fingerprint")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("ROOMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("ROOMCAST_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")

	secret := firstNonEmpty(*adminSecret, os.Getenv("ROOMCAST_ADMIN_SECRET"))
	if secret == "" {
		logger.Error("admin secret is required (ROOMCAST_ADMIN_SECRET)")
		os.Exit(1)
	}
	rtmp := firstNonEmpty(*rtmpURL, os.Getenv("ROOMCAST_RTMP_URL"))
	key := firstNonEmpty(*streamKey, os.Getenv("ROOMCAST_STREAM_KEY"))
	if rtmp == "" || key == "" {
		logger.Error("rtmp url and stream key are required (ROOMCAST_RTMP_URL, ROOMCAST_STREAM_KEY)")
		os.Exit(1)
	}

	baseDir := firstNonEmpty(*dataDir, os.Getenv("ROOMCAST_DATA_DIR"), "data")
	cachePath := firstNonEmpty(*cacheDir, os.Getenv("ROOMCAST_CACHE_DIR"), baseDir+"/cache")
	workPath := firstNonEmpty(*workDir, os.Getenv("ROOMCAST_WORK_DIR"), baseDir+"/work")

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Room state and broadcast fan-out share one Redis client; memory
	// drivers back single-instance deployments and tests.
	driver := strings.ToLower(firstNonEmpty(*stateDriver, os.Getenv("ROOMCAST_STATE_DRIVER"), "memory"))
	ttl := resolveDuration(*roomTTL, "ROOMCAST_ROOM_TTL", state.DefaultRoomTTL)

	var (
		stateStore  state.Store
		bus         room.Bus
		redisClient redis.UniversalClient
	)
	switch driver {
	case "memory":
		stateStore = state.NewMemoryStore(ttl)
		bus = room.NewMemoryBus(0)
	case "redis":
		redisCfg := state.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("ROOMCAST_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("ROOMCAST_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("ROOMCAST_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("ROOMCAST_REDIS_PASSWORD")),
			Prefix:     firstNonEmpty(*redisPrefix, os.Getenv("ROOMCAST_REDIS_PREFIX")),
			TTL:        ttl,
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("ROOMCAST_REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*redisPoolSize, "ROOMCAST_REDIS_POOL_SIZE"),
			TLS: state.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("ROOMCAST_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("ROOMCAST_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("ROOMCAST_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("ROOMCAST_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "ROOMCAST_REDIS_TLS_SKIP_VERIFY"),
			},
		}
		client, err := state.NewRedisClient(redisCfg)
		if err != nil {
			logger.Error("failed to configure Redis", "error", err)
			os.Exit(1)
		}
		redisClient = client
		stateStore = state.NewRedisStore(client, redisCfg.Prefix, ttl)
		redisBus, err := room.NewRedisBus(room.RedisBusConfig{
			Client: client,
			Logger: logging.WithComponent(logger, "bus"),
		})
		if err != nil {
			logger.Error("failed to configure broadcast bus", "error", err)
			os.Exit(1)
		}
		bus = redisBus
	default:
		logger.Error("unknown state driver", "driver", driver)
		os.Exit(1)
	}

	catalog, err := buildCatalog(workerCtx, buildCatalogOptions{
		driver:       strings.ToLower(firstNonEmpty(*catalogDriver, os.Getenv("ROOMCAST_CATALOG_DRIVER"), "json")),
		dataDir:      baseDir,
		dsn:          firstNonEmpty(*postgresDSN, os.Getenv("ROOMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		maxConns:     resolveInt(*postgresMaxConns, "ROOMCAST_POSTGRES_MAX_CONNS"),
		minConns:     resolveInt(*postgresMinConns, "ROOMCAST_POSTGRES_MIN_CONNS"),
		connLifetime: resolveDuration(*postgresConnLifetime, "ROOMCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
	})
	if err != nil {
		logger.Error("failed to open transcode catalog", "error", err)
		os.Exit(1)
	}

	transcodeCache, err := cache.New(cache.Config{
		Dir:     cachePath,
		Catalog: catalog,
		Logger:  logging.WithComponent(logger, "cache"),
		MaxAge:  resolveDuration(*cacheMaxAge, "ROOMCAST_CACHE_MAX_AGE", cache.DefaultMaxAge),
	})
	if err != nil {
		logger.Error("failed to initialise transcode cache", "error", err)
		os.Exit(1)
	}
	sweepStop := cache.StartSweepWorker(workerCtx, transcodeCache,
		resolveDuration(*cacheSweepInterval, "ROOMCAST_CACHE_SWEEP_INTERVAL", cache.DefaultSweepInterval))

	var directoryOpts []users.Option
	if allow := splitAndTrim(firstNonEmpty(*allowedUsers, os.Getenv("ROOMCAST_ALLOWED_USERS"))); len(allow) > 0 {
		directoryOpts = append(directoryOpts, users.WithAllowList(allow))
	}
	directory, err := users.NewDirectory(baseDir+"/users.json", directoryOpts...)
	if err != nil {
		logger.Error("failed to open user directory", "error", err)
		os.Exit(1)
	}

	adminHub := api.NewAdminHub(logging.WithComponent(logger, "admin"), resolveDuration(*heartbeat, "ROOMCAST_WS_HEARTBEAT", 0))
	auditor := stream.NewAuditor(auditLogger, catalog)

	controller, err := stream.NewController(stream.Config{
		RTMPURL:    rtmp,
		StreamKey:  key,
		WorkDir:    workPath,
		FFmpegPath: firstNonEmpty(*ffmpegPath, os.Getenv("ROOMCAST_FFMPEG_PATH")),
		Logger:     logging.WithComponent(logger, "broadcast"),
		Auditor:    auditor,
		Notify:     adminHub.Notify,
	})
	if err != nil {
		logger.Error("failed to initialise broadcast controller", "error", err)
		os.Exit(1)
	}

	hub := room.NewHub(room.HubConfig{
		Store:             stateStore,
		Directory:         directory,
		Bus:               bus,
		Logger:            logging.WithComponent(logger, "rooms"),
		HeartbeatInterval: resolveDuration(*heartbeat, "ROOMCAST_WS_HEARTBEAT", 0),
		Origin:            uuid.NewString(),
	})
	go hub.Run(workerCtx)

	watchdogStop := stream.StartWatchdog(workerCtx, stream.WatchdogConfig{
		Controller:   controller,
		Connections:  adminHub.ConnectionCount,
		LastActivity: adminHub.LastActivity,
		Logger:       logging.WithComponent(logger, "watchdog"),
		Interval:     resolveDuration(*watchdogInterval, "ROOMCAST_WATCHDOG_INTERVAL", stream.DefaultWatchdogInterval),
		IdleAfter:    resolveDuration(*idleThreshold, "ROOMCAST_IDLE_THRESHOLD", stream.DefaultIdleThreshold),
	})

	handler := &api.Handler{
		Controller:    controller,
		Cache:         transcodeCache,
		Catalog:       catalog,
		Rooms:         hub,
		Admin:         adminHub,
		Directory:     directory,
		Auditor:       auditor,
		Logger:        logger,
		AdminSecret:   secret,
		WorkDir:       workPath,
		VerifyUploads: resolveBool(*verifyUploads, "ROOMCAST_VERIFY_UPLOADS"),
	}

	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("ROOMCAST_ADDR"), ":8080"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("ROOMCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("ROOMCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "ROOMCAST_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "ROOMCAST_RATE_GLOBAL_BURST"),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("roomcast listening", "addr", firstNonEmpty(*addr, os.Getenv("ROOMCAST_ADDR"), ":8080"), "state_driver", driver)
		if err := srv.Start(); err != nil {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	// An active broadcast goes through the manual stop path so the session
	// directory is reclaimed before exit.
	if controller.Active() {
		if err := controller.Stop(ctx, "shutdown"); err != nil && err != stream.ErrNotActive {
			logger.Warn("failed to stop active broadcast", "error", err)
		}
		if err := controller.Wait(ctx); err != nil {
			logger.Warn("broadcast did not exit before deadline", "error", err)
		}
	}

	watchdogStop()
	sweepStop()
	workerCancel()

	if err := catalog.Close(ctx); err != nil {
		logger.Warn("failed to close transcode catalog", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close Redis client", "error", err)
		}
	}

	logger.Info("server stopped")
}

type buildCatalogOptions struct {
	driver       string
	dataDir      string
	dsn          string
	maxConns     int
	minConns     int
	connLifetime time.Duration
}

func buildCatalog(ctx context.Context, opts buildCatalogOptions) (cache.Catalog, error) {
	switch opts.driver {
	case "json", "":
		return cache.NewJSONCatalog(opts.dataDir + "/catalog.json")
	case "postgres":
		return cache.NewPostgresCatalog(ctx, cache.PostgresConfig{
			DSN:             opts.dsn,
			MaxConnections:  int32(opts.maxConns),
			MinConnections:  int32(opts.minConns),
			MaxConnLifetime: opts.connLifetime,
			ApplicationName: "roomcast",
		})
	}
	return nil, fmt.Errorf("unknown catalog driver %q", opts.driver)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-bookclub/internal/api"
	"github.com/npezzotti/go-bookclub/internal/books"
	"github.com/npezzotti/go-bookclub/internal/config"
	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/server"
	"github.com/npezzotti/go-bookclub/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

var (
	addr               string
	store              string
	dsn                string
	signingKey         string
	redisURL           string
	allowedOrigins     stringSliceFlag
	idleRoomTimeout    time.Duration
	presenceStaleAfter time.Duration
	sweepInterval      time.Duration
)

func main() {
	logger := log.New(os.Stderr, "[bookclub] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, relying on environment variables")
	}

	defaults := server.DefaultOptions()
	flag.StringVar(&addr, "addr", getEnv("BOOKCLUB_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&store, "store", getEnv("BOOKCLUB_STORE", string(config.StorePostgres)), "room store: postgres or memory")
	flag.StringVar(&dsn, "dsn", getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", getEnv("BOOKCLUB_SIGNING_KEY", defaultSigningKey), "base64 encoded identity token signing key")
	flag.StringVar(&redisURL, "redis-url", getEnv("REDIS_URL", ""), "redis url for relaying room events between instances")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&idleRoomTimeout, "idle-room-timeout", getEnvDuration("BOOKCLUB_IDLE_ROOM_TIMEOUT", defaults.IdleRoomTimeout), "unload rooms without readers after this long")
	flag.DurationVar(&presenceStaleAfter, "presence-stale-after", getEnvDuration("BOOKCLUB_PRESENCE_STALE_AFTER", defaults.PresenceStaleAfter), "mark readers offline after this long without a heartbeat")
	flag.DurationVar(&sweepInterval, "sweep-interval", getEnvDuration("BOOKCLUB_SWEEP_INTERVAL", defaults.SweepInterval), "how often stale presence is swept, 0 disables")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := getEnv("BOOKCLUB_ALLOWED_ORIGINS", ""); v != "" {
			allowedOrigins.Set(v)
		}
	}

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:         addr,
		Store:              store,
		DatabaseDSN:        dsn,
		Base64Secret:       signingKey,
		AllowedOrigins:     allowedOrigins,
		RedisURL:           redisURL,
		IdleRoomTimeout:    idleRoomTimeout,
		PresenceStaleAfter: presenceStaleAfter,
		SweepInterval:      sweepInterval,
	})
	if err != nil {
		logger.Fatal("config:", err)
	}

	ctx := context.Background()

	var repo database.Repository
	switch cfg.Store {
	case config.StoreMemory:
		logger.Println("using in-memory store, data will not survive a restart")
		repo = database.NewMemoryRepository()
	default:
		pg, err := database.NewPgRepository(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("db migrate:", err)
		}
		repo = pg
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	bus := eventbus.NewBus(eventbus.DefaultBufferSize, logger)
	defer bus.Close()

	if cfg.RedisURL != "" {
		rdb, err := eventbus.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer rdb.Close()
		relay, err := eventbus.NewRedisRelay(ctx, rdb, bus, logger)
		if err != nil {
			logger.Fatal("redis relay:", err)
		}
		defer relay.Close()
		bus.SetRelay(relay)
		logger.Printf("relaying room events through redis as instance %s\n", relay.InstanceId())
	}

	catalog, err := books.NewCatalog()
	if err != nil {
		logger.Fatal("book catalog:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, stats.DefaultMapName)

	chatServer, err := server.NewChatServer(logger, repo, bus, statsUpdater, server.Options{
		IdleRoomTimeout:    cfg.IdleRoomTimeout,
		PresenceStaleAfter: cfg.PresenceStaleAfter,
		SweepInterval:      cfg.SweepInterval,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewBookClubApp(mux, logger, chatServer, repo, catalog, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fjod/foodee-cart/internal/backend"
	"github.com/fjod/foodee-cart/internal/cartstore"
	h "github.com/fjod/foodee-cart/internal/http"
	"github.com/fjod/foodee-cart/internal/persist"
	"github.com/fjod/foodee-cart/internal/poller"
)

type Config struct {
	Env             string
	LogLevel        string
	HTTPPort        string
	AllowedOrigins  []string
	BackendURL      string
	BackendTimeout  time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	RequireAuth     bool
	JWTSecret       string
	PersistDriver   string
	RedisAddr       string
	RedisPassword   string
	CartTTL         time.Duration
	MongoURI        string
	MongoDBName     string
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func loadConfig() *Config {
	return &Config{
		Env:             getEnv("APP_ENV", "dev"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		AllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:8081/api"),
		BackendTimeout:  getDuration("BACKEND_TIMEOUT", cartstore.DefaultTimeout),
		BreakerFailures: uint32(getInt("BREAKER_FAILURES", 5)),
		BreakerCooldown: getDuration("BREAKER_COOLDOWN", 30*time.Second),
		RequireAuth:     getEnv("REQUIRE_AUTH", "true") == "true",
		JWTSecret:       getEnv("JWT_SECRET", ""),
		PersistDriver:   getEnv("PERSIST_DRIVER", "redis"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		CartTTL:         getDuration("CART_TTL", persist.DefaultRedisTTL),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:     getEnv("MONGO_DB_NAME", "foodee_cart"),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", poller.DefaultTopic),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", poller.DefaultGroupID),
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupLogger(cfg *Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// openPersister returns the anonymous cart storage and a func releasing it.
func openPersister(ctx context.Context, cfg *Config) (cartstore.Persister, func(), error) {
	switch cfg.PersistDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis ping succeeded")
		return persist.NewRedisStore(client, cfg.CartTTL), func() { client.Close() }, nil
	case "mongo":
		db, err := persist.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		store := persist.NewMongoStore(db, cfg.CartTTL)
		if err := store.CreateIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to create mongo indexes")
		}
		log.Info().Str("uri", cfg.MongoURI).Msg("connected to mongodb")
		return store, func() { db.Client().Disconnect(context.Background()) }, nil
	case "memory", "":
		return nil, func() {}, nil
	default:
		return nil, nil, errors.New("unknown PERSIST_DRIVER " + cfg.PersistDriver)
	}
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg := loadConfig()
	setupLogger(cfg)
	log.Info().
		Str("port", cfg.HTTPPort).
		Str("backend", cfg.BackendURL).
		Str("persist", cfg.PersistDriver).
		Bool("require_auth", cfg.RequireAuth).
		Msg("starting foodee cart")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persister, closePersister, err := openPersister(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.PersistDriver).Msg("failed to open cart persistence")
	}
	defer closePersister()

	client := backend.NewClient(backend.Config{
		BaseURL:         cfg.BackendURL,
		Timeout:         cfg.BackendTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, log.Logger)

	opts := cartstore.Options{
		Backend:     client,
		Catalog:     client,
		RequireAuth: cfg.RequireAuth,
		Timeout:     cfg.BackendTimeout,
		IdleTTL:     cfg.CartTTL,
		Logger:      log.Logger,
	}
	if persister != nil {
		opts.Persister = persister
	}
	registry := cartstore.NewRegistry(opts)
	go registry.RunEviction(ctx, time.Minute)

	if len(cfg.KafkaBrokers) > 0 {
		p := poller.NewPoller(registry, log.Logger, poller.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		})
		defer p.Close()
		go p.Run(ctx)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("order event poller started")
	}

	cartHandler := h.NewCartHandler(registry, cfg.RequestTimeout, log.Logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(h.RequestIDMiddleware)
	r.Use(h.RequestLogger(log.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.Compress(5))
	r.Use(h.SessionMiddleware([]byte(cfg.JWTSecret), log.Logger))

	// Health check
	r.Get("/health", health)

	r.Mount("/api/v1", cartHandler.Routes())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", h.SessionHeader, h.RequestIDHeader},
		ExposedHeaders:   []string{h.SessionHeader, h.RequestIDHeader},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(corsHandler, "foodee-cart"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Warn().Msg("shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Int("sessions", registry.Len()).Msg("server exited")
}

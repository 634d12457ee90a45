/**
 * @description
 * This is the main entry point for the booking-service. It loads configuration, opens
 * the store, connects the optional Redis counter store and RabbitMQ producer, builds
 * the booking service, link issuer and rate limiter, starts the maintenance scheduler
 * and serves the HTTP API until it receives a termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Shared rate limit counters.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Booking event producer.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/slotbook/booking-service/internal/api"
	"github.com/slotbook/booking-service/internal/app"
	"github.com/slotbook/booking-service/internal/config"
	"github.com/slotbook/booking-service/internal/store"
	"github.com/slotbook/booking-service/pkg/rabbitmq"
)

func main() {
	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting booking-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	repository, closeStore := openRepository(cfg)
	defer closeStore()

	// The limiter shares counters through Redis; without it limits are per instance.
	var counters app.CounterStore = app.NewMemoryCounterStore()
	if cfg.RateLimitEnabled {
		if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
			defer redisClient.Close()
			counters = app.NewRedisCounterStore(redisClient, cfg.RedisRateLimitPrefix)
		}
	}
	limiter := app.NewRateLimiter(app.RateLimitConfigFrom(cfg), counters)

	var events rabbitmq.Publisher = rabbitmq.NoopPublisher{}
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; booking events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; booking events disabled\" err=%v", err)
	} else {
		defer producer.Close()
		events = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	retrier := app.NewRetrier(cfg.BookingMaxAttempts, time.Duration(cfg.BookingRetryBackoffMs)*time.Millisecond)
	bookingService := app.NewBookingService(repository, retrier, events, cfg.BookingEventsExchange)

	issuer, err := app.NewSignedLinkIssuer(cfg.SignedLinkSecret, time.Duration(cfg.SignedLinkTTLHours)*time.Hour, cfg.SignedLinkBaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"signed link issuer init failed\" err=%v", err)
	}

	if cfg.JWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"jwt secret missing; authenticated endpoints will reject every token\" env=JWT_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, bookingService, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("scheduler started")

	router := api.NewRouter(api.RouterDeps{
		Handlers:       api.NewBookingHandlers(bookingService, issuer),
		Auth:           api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		Limiter:        limiter,
		Links:          issuer,
		AllowedOrigins: config.SplitList(cfg.CORSAllowedOrigins),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
		logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository opens the configured store. The returned func releases it.
func openRepository(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart and not shared between instances\"")
		return store.NewMemoryRepository(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	repository := store.NewPostgresRepository(dbpool)
	if err := repository.Ping(ctx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	if err := repository.Prepare(ctx, cfg.DBAutoMigrate); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database schema not ready\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return repository, dbpool.Close
}

// connectRedis returns a connected client, or nil when Redis is not configured or not
// reachable.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limits apply per instance\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limits apply per instance\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limits apply per instance\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

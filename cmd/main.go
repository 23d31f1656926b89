/**
 * @description
 * This is the main entry point for the funds-service. It loads configuration, connects
 * to PostgreSQL, RabbitMQ and Redis, builds the allocation engine, the transfer
 * orchestrator and the account services, starts the reconciliation sweep and serves
 * the HTTP API until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Transfer rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/chargeclient: Client for the card processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carefunds/funds-service/internal/api"
	"github.com/carefunds/funds-service/internal/app"
	"github.com/carefunds/funds-service/internal/config"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/carefunds/funds-service/pkg/chargeclient"
	"github.com/carefunds/funds-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal routes will reject every request\" env=INTERNAL_API_KEY")
	}
	if cfg.ChargeAPISecretKey == "" {
		log.Println("level=warn component=bootstrap msg=\"charge api secret key not configured; card charges will fail\" env=CHARGE_API_SECRET_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting funds-service\" port=%s", cfg.ServerPort)

	policy, err := app.NewSplitPolicy(cfg.SplitPolicy, cfg.SplitWeights)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid split policy\" policy=%s err=%v", cfg.SplitPolicy, err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dbpool.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	cancelPing()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Events are best effort; a missing broker degrades to the no-op publisher.
	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var throttle app.TransferThrottle
	if cfg.TransferRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; transfer rate limiting disabled\" env=REDIS_URL")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; transfer rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			defer redisClient.Close()
			// A failed ping is not fatal; the throttle fails open until Redis comes back.
			redisPingCtx, cancelRedisPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(redisPingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed\" err=%v", pingErr)
			} else {
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelRedisPing()
			throttle = app.NewRedisTransferThrottle(redisClient, cfg.RedisRateLimitPrefix)
		}
	}

	repository := store.NewPostgresRepository(dbpool)
	chargeClient := chargeclient.NewClient(cfg.ChargeAPIBaseURL, cfg.ChargeAPISecretKey)

	allocator := app.NewAllocator(repository, policy)
	transferService := app.NewTransferService(repository, allocator, chargeClient, publisher, throttle, app.TransferOptions{
		Limits: app.AmountLimits{Min: cfg.TransferMinAmount, Max: cfg.TransferMaxAmount},
		Quota:  app.TransferQuota{Limit: cfg.TransferRateLimitPerMinute, Window: time.Minute},
	})
	accountService := app.NewAccountService(repository)

	scheduler := app.NewReconcileScheduler(app.NewReconciler(repository, publisher), cfg.ReconcileSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile scheduler start failed\" schedule=%q err=%v", cfg.ReconcileSchedule, err)
	}

	handlers := api.NewHandlers(transferService, accountService, cfg.TransactionPageLimit)
	router := api.NewRouter(handlers, api.RouterConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalAPIKey:     cfg.InternalAPIKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
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

	// Wait for an in-flight sweep to finish before the pool closes.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=reconcile msg=\"sweep still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

/**
 * @description
 * This is the main entry point for the wallet-service. This service is
 * responsible for the coin economy of the app: wallet provisioning with the
 * signup bonus, the atomic join workflow (seat reservation, escrow funding,
 * ticket issuance), arrival confirmation, threshold-based escrow release to
 * hosts, cancellation refunds, and a periodic wallet-cache reconciliation
 * sweep.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: For PostgreSQL connection pooling.
 * - github.com/redis/go-redis/v9: For the distributed join rate limiter.
 * - github.com/robfig/cron/v3: For the reconciliation schedule.
 * - internal/api, internal/app, internal/config, internal/store, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/soshly/wallet-service/internal/api"
	"github.com/soshly/wallet-service/internal/app"
	"github.com/soshly/wallet-service/internal/config"
	"github.com/soshly/wallet-service/internal/store"
	"github.com/soshly/wallet-service/pkg/rabbitmq"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"could not load config\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("level=fatal component=main msg=\"DATABASE_URL is required\"")
	}

	// Establish database connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to parse database url\" err=%v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to create connection pool\" err=%v", err)
	}
	defer dbpool.Close()

	if err := dbpool.Ping(context.Background()); err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to ping database\" err=%v", err)
	}
	log.Println("level=info component=main msg=\"database connection established\"")

	if err := store.EnsureSchema(context.Background(), dbpool); err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to ensure schema\" err=%v", err)
	}

	// Initialize the RabbitMQ producer for wallet events. The producer is
	// best effort: when RabbitMQ is down the service still serves coin
	// movements and events are skipped.
	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"rabbitmq unavailable; using fallback producer\" err=%v", err)
			producer = &rabbitmq.EventProducerFallback{}
		} else {
			producer = p
			defer p.Close()
			log.Println("level=info component=main msg=\"rabbitmq producer initialized\"")
		}
	} else {
		log.Println("level=warn component=main msg=\"RABBITMQ_URL not set; events disabled\"")
		producer = &rabbitmq.EventProducerFallback{}
	}

	// Initialize store and service
	walletStore := store.NewPostgresStore(dbpool, cfg.AtomicMaxRetries)
	service := app.NewService(walletStore, producer, cfg.SignupBonusCoins, cfg.ReleaseThresholdRatio)

	// Initialize the Redis-backed join rate limiter (optional)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"invalid REDIS_URL; join rate limiting disabled\" err=%v", err)
		} else {
			redisClient := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("level=warn component=main msg=\"redis unreachable; join rate limiting disabled\" err=%v", err)
			} else {
				limiter := app.NewRedisJoinRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				service.SetJoinRateLimiter(limiter, cfg.JoinRateLimitPerMinute)
				log.Println("level=info component=main msg=\"join rate limiter initialized\"")
			}
			cancel()
		}
	} else {
		log.Println("level=warn component=main msg=\"REDIS_URL not set; join rate limiting disabled\"")
	}

	// Schedule the periodic wallet-cache reconciliation sweep
	scheduler := cron.New()
	reconcileSpec := fmt.Sprintf("@every %dm", cfg.ReconcileIntervalMinutes)
	if _, err := scheduler.AddFunc(reconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := service.ReconcileWalletCaches(ctx); err != nil {
			log.Printf("level=error component=main msg=\"reconciliation sweep failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to schedule reconciliation\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("level=info component=main msg=\"reconciliation sweep scheduled\" interval_minutes=%d", cfg.ReconcileIntervalMinutes)

	// Set up HTTP server
	handlers := api.NewWalletHandlers(service)
	router := api.NewRouter(handlers, cfg.AuthJWKSURL)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Start server in a goroutine so it doesn't block graceful shutdown handling
	go func() {
		log.Printf("level=info component=main msg=\"wallet-service starting\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=main msg=\"could not listen\" addr=%s err=%v", server.Addr, err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=main msg=\"shutting down server\"")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("level=fatal component=main msg=\"server forced to shutdown\" err=%v", err)
	}

	log.Println("level=info component=main msg=\"server exited\"")
}

/**
 * @description
 * This is the main entry point for the membership-service. It is responsible
 * for initializing all components of the service: configuration, the database
 * connection pool, the Redis idempotency cache, the RabbitMQ producer and
 * consumer, the settlement service, the outbox dispatcher, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/telegramclient: Message broker and Telegram Bot API clients.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/channelpass/membership-service/internal/api"
	"github.com/channelpass/membership-service/internal/app"
	"github.com/channelpass/membership-service/internal/config"
	"github.com/channelpass/membership-service/internal/domain"
	"github.com/channelpass/membership-service/internal/store"
	mqrabbit "github.com/channelpass/membership-service/pkg/rabbitmq"
	"github.com/channelpass/membership-service/pkg/telegramclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting membership-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Redis backs the processed-tx fast path and consumer dedupe. Missing or
	// unreachable Redis degrades to the database-only idempotency path.
	var redisClient *redis.Client
	var txCache app.ProcessedTxCache = app.NoopTxCache{}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; idempotency fast path disabled\" env=REDIS_URL")
	} else {
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = app.NewRedisClient(pingCtx, cfg.RedisURL)
		cancelPing()
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis unavailable; idempotency fast path disabled\" err=%v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			txCache = app.NewRedisTxCache(redisClient, time.Duration(cfg.ProcessedTxCacheTTLHrs)*time.Hour)
			log.Println("level=info component=bootstrap msg=\"redis connected\"")
		}
	}

	// Initialize the RabbitMQ producer used by the outbox dispatcher.
	var producer mqrabbit.Publisher
	rabbitProducer, err := mqrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &mqrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	membershipService := app.NewService(repository, txCache)

	// Start the outbox dispatcher.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	dispatcher := app.NewOutboxDispatcher(
		repository,
		producer,
		cfg.OutboxBatchSize,
		time.Duration(cfg.OutboxPollIntervalMs)*time.Millisecond,
	)
	go dispatcher.Run(dispatcherCtx)

	// Wire up the notification consumer when a bot token is configured.
	if strings.TrimSpace(cfg.TelegramBotToken) == "" {
		log.Println("level=warn component=bootstrap msg=\"telegram bot token missing; notifications disabled\" env=TELEGRAM_BOT_TOKEN")
	} else {
		telegramClient := telegramclient.New(cfg.TelegramAPIBaseURL, cfg.TelegramBotToken)
		notifyConsumer := app.NewNotificationConsumer(telegramClient, redisClient)

		rabbitConsumer, err := mqrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; notifications disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			routingKeys := []string{
				domain.RoutingKeyMembershipActivated,
				domain.RoutingKeyCommissionCredited,
			}
			err = rabbitConsumer.Consume(domain.MembershipEventsExchange, cfg.NotificationEventQueue, routingKeys, func(routingKey string, body []byte) bool {
				handleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return notifyConsumer.HandleMessage(handleCtx, routingKey, body) == nil
			})
			if err != nil {
				log.Printf("level=warn component=bootstrap msg=\"notification consumer start failed\" err=%v", err)
			} else {
				log.Println("level=info component=bootstrap msg=\"notification consumer started\"")
			}
		}
	}

	// Initialize the API handlers and routes.
	membershipHandlers := api.NewMembershipHandlers(membershipService)
	webhookHandlers := api.NewWebhookHandlers(membershipService, cfg.StripeWebhookSecret, cfg.WompiEventsSecret)
	router := api.MembershipRoutes(membershipHandlers, webhookHandlers, cfg.JWTSecret, cfg.InternalAPIKey, cfg.AllowedOrigins)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	cancelDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/fablehost/fable-api/internal/config"
	"github.com/fablehost/fable-api/internal/database"
	"github.com/fablehost/fable-api/internal/handler"
	"github.com/fablehost/fable-api/internal/middleware"
	"github.com/fablehost/fable-api/internal/models"
	"github.com/fablehost/fable-api/internal/realtime"
	"github.com/fablehost/fable-api/internal/repository"
	"github.com/fablehost/fable-api/internal/router"
	"github.com/fablehost/fable-api/internal/service"
	"github.com/fablehost/fable-api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.AddressIdentifier{},
		&models.Story{}, &models.Chapter{}, &models.Post{}, &models.Channel{},
		&models.ChatMessage{},
		&models.VoteInfo{}, &models.VoteEntry{}, &models.UserVote{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	fanout := realtime.New(realtime.Options{
		Redis:  redisClient,
		NATS:   natsConn,
		Logger: logger,
	})
	fanout.Start(runCtx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	channelRepo := repository.NewChannelRepository(db)
	chatRepo := repository.NewChatRepository(db)
	voteRepo := repository.NewVoteRepository(db)

	chatService := service.NewChatService(chatRepo, redisClient, fanout, validate, cfg.ChatRingSize, cfg.DedupRetention, logger)
	voteService := service.NewVoteService(voteRepo, redisClient, fanout, logger)

	reconciler := worker.NewReconciler(voteService, chatService, cfg.ChatFlushInterval, cfg.CloseScanInterval, logger)
	if err := reconciler.Repopulate(runCtx); err != nil {
		log.Fatalf("failed to repopulate vote state: %v", err)
	}
	reconciler.Start(runCtx)

	realtimeHandler := handler.NewRealtimeHandler(fanout, chatService, voteService, channelRepo, cfg.WSIdleTimeout, logger)
	chatHandler := handler.NewChatHandler(chatService, logger)
	voteHandler := handler.NewVoteHandler(voteService, channelRepo, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		RealtimeHandler: realtimeHandler,
		ChatHandler:     chatHandler,
		VoteHandler:     voteHandler,
		NodeID:          fanout.NodeID(),
		OptionalAuth:    middleware.JWTOptional(cfg.JWTSecret),
		RequiredAuth:    middleware.JWTProtected(cfg.JWTSecret),
		ActorResolve:    middleware.ResolveActor(chatService, logger),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, reconciler, stopWorkers, cfg, logger)
}

// waitForShutdown stops accepting traffic, halts the periodic workers, then
// folds all cache state into the durable store before the process exits.
func waitForShutdown(app *fiber.App, reconciler *worker.Reconciler, stopWorkers context.CancelFunc, cfg config.Config, logger zerolog.Logger) {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()
	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful http shutdown failed")
	}

	stopWorkers()
	reconciler.FlushAll(ctx)

	logger.Info().Msg("server stopped")
}

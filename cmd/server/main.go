package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/reelforge/render/internal/audio"
	"github.com/reelforge/render/internal/client"
	"github.com/reelforge/render/internal/compositor"
	"github.com/reelforge/render/internal/config"
	"github.com/reelforge/render/internal/encoder"
	"github.com/reelforge/render/internal/events"
	"github.com/reelforge/render/internal/ffmpeg"
	"github.com/reelforge/render/internal/handler"
	"github.com/reelforge/render/internal/logger"
	"github.com/reelforge/render/internal/middleware"
	"github.com/reelforge/render/internal/queue"
	"github.com/reelforge/render/internal/service"
	"github.com/reelforge/render/internal/source"
	"github.com/reelforge/render/internal/store"
	ws "github.com/reelforge/render/internal/websocket"
	"github.com/reelforge/render/internal/worker"
	"github.com/reelforge/render/pkg/response"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := queue.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("failed to close queue connection", zap.Error(err))
		}
	}()

	jobStore := store.New(conn.Redis, cfg.Queue.CompletedRetention)
	renderService := service.NewRenderService(jobStore, conn.Client, service.QueueOptions{
		Queue:              cfg.Queue.Name,
		JobTimeout:         cfg.Worker.JobTimeout,
		CompletedRetention: cfg.Queue.CompletedRetention,
	})

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	// Events
	sinks := []events.Sink{
		events.NewTopicSink(conn.Redis, cfg.Events.Topic),
		events.NewHubSink(hub),
	}
	assets := client.NewAssetClient(cfg.Assets)
	if assets.IsConfigured() {
		sinks = append(sinks, events.NewRegistrationSink(assets, log))
	} else {
		log.Info("asset registration disabled")
	}
	publisher := events.NewPublisher(cfg.Events.Buffer, log, sinks...)
	go publisher.Run(context.Background())
	defer publisher.Close()

	// Upload targets
	uploadPolicy := source.NewUploadPolicy(cfg.Upload.AllowedDomains, cfg.Upload.AllowLoopback)
	var presigner client.Presigner
	if r2, err := client.NewR2Client(cfg.R2); err == nil {
		presigner = r2
	} else {
		log.Info("upload presigning disabled", zap.Error(err))
	}

	validate := handler.NewValidator(uploadPolicy)
	renderHandler := handler.NewRenderHandler(renderService, validate)
	uploadHandler := handler.NewUploadHandler(presigner, validate)
	healthHandler := handler.NewHealthHandler(conn, conn, cfg.Queue.Name, cfg.Worker.TempDir)
	rateLimiter := middleware.NewRateLimiter(conn.Redis, log)

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Get("/health", healthHandler.Check)
	app.Post("/renders", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Start)
	app.Get("/jobs/:id", renderHandler.Status)
	app.Post("/uploads/presign", uploadHandler.Presign)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	var srv *asynq.Server
	if cfg.Worker.Enabled {
		srv, err = startWorkerServer(cfg, conn, renderService, publisher, hub, log)
		if err != nil {
			return err
		}
		reconciler := worker.NewReconciler(renderService, conn.Inspector, publisher, cfg.Queue.Name, log)
		go reconciler.Run(ctx, cfg.Worker.ReconcileInterval)
	} else {
		log.Info("worker disabled, serving API only")
	}

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		log.Info("server starting", zap.String("addr", addr))
		serveErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info("shutting down")
	if shutdownErr := app.ShutdownWithTimeout(10 * time.Second); shutdownErr != nil {
		log.Warn("http shutdown error", zap.Error(shutdownErr))
	}
	// Running jobs finish or are failed before events stop flowing.
	if srv != nil {
		srv.Shutdown()
	}
	return err
}

func startWorkerServer(cfg *config.Config, conn *queue.Connection, renderService *service.RenderService, publisher *events.Publisher, hub *ws.Hub, log *zap.Logger) (*asynq.Server, error) {
	resolver := source.NewResolver(source.Policy{
		AllowedDomains: cfg.Source.AllowedDomains,
		AllowLoopback:  cfg.Source.AllowLoopback,
	})
	runner := ffmpeg.ExecRunner{}
	prober := ffmpeg.NewProber(runner, cfg.FFmpeg.ProbeBinary)

	scenes := client.NewSceneClient(cfg.Scene)
	if !scenes.IsConfigured() {
		return nil, errors.New("worker enabled but scene renderer url is empty")
	}

	renderWorker := worker.NewRenderWorker(worker.Deps{
		Jobs:     renderService,
		Projects: client.NewProjectClient(cfg.Projects),
		Frames:   compositor.New(scenes, resolver, log.Named("compositor")),
		Encoder:  encoder.New(cfg.FFmpeg.Binary, cfg.FFmpeg.WebMBitrate, log),
		Audio: audio.NewCompositor(runner, prober, resolver, audio.Config{
			Binary:           cfg.FFmpeg.Binary,
			AudioBitrate:     cfg.FFmpeg.AudioBitrate,
			ProbeConcurrency: cfg.FFmpeg.ProbeConcurrency,
		}, log),
		Uploader: client.NewUploader(cfg.Worker.JobTimeout),
		Prober:   prober,
		Events:   publisher,
		Hub:      hub,
	}, worker.Options{
		TempDir:       cfg.Worker.TempDir,
		JobTimeout:    cfg.Worker.JobTimeout,
		MinFreeDiskMB: cfg.Worker.MinFreeDiskMB,
	}, log)

	srv := asynq.NewServer(conn.Opt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			cfg.Queue.Name: 1,
		},
		Logger:          logger.Asynq(log),
		LogLevel:        logger.AsynqLevel(cfg.Server.LogLevel),
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, renderWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return nil, err
	}
	log.Info("worker started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("queue", cfg.Queue.Name),
	)
	return srv, nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}

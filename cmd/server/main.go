package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"quirk/internal/board"
	"quirk/internal/config"
	"quirk/internal/database"
	"quirk/internal/files"
	"quirk/internal/handlers"
	"quirk/internal/health"
	"quirk/internal/llm"
	"quirk/internal/logging"
	"quirk/internal/middleware"
	"quirk/internal/pipeline"
	"quirk/internal/schedule"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	logging.Init()
	cfg := config.Load()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	settings, err := config.NewSettingsStore(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("❌ Failed to load settings: %v", err)
	}
	if err := settings.Watch(); err != nil {
		log.Printf("⚠️ Settings live reload disabled: %v", err)
	}
	defer settings.Close()

	store, err := board.Load(db, "default")
	if err != nil {
		log.Fatalf("❌ Failed to load board: %v", err)
	}

	sink, err := files.NewSink(cfg.DownloadsDir)
	if err != nil {
		log.Fatalf("❌ Failed to prepare downloads dir: %v", err)
	}

	hub := handlers.NewHub()
	chat := llm.NewTransport(settings.Get)
	images := llm.NewImageTransport(settings.Get)
	pipe := pipeline.New(store, hub, chat, images, sink, settings.Get, hub.ConfirmCycles)
	pipe.States().Sanitize()
	hub.SetRunner(pipe)

	schedules, err := schedule.NewService(db.DB, func(ctx context.Context, nodeID int64) error {
		return pipe.ExecuteFromNode(ctx, nodeID)
	})
	if err != nil {
		log.Fatalf("❌ Failed to create schedule service: %v", err)
	}
	if err := schedules.Start(context.Background()); err != nil {
		log.Fatalf("❌ Failed to start schedule service: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "QUIRK v1.0",
		ReadTimeout:  900 * time.Second, // local models can take minutes to cold start
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("quirk")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{AllowOrigins: allowedOrigins}))

	boardHandler := handlers.NewBoardHandler(store)
	execHandler := handlers.NewExecutionHandler(pipe, store, hub, schedules)
	filesHandler := handlers.NewFilesHandler(sink, settings)

	checker := health.NewService(db, cfg.DownloadsDir, settings.Get)
	app.Get("/health", func(c *fiber.Ctx) error {
		report := checker.Check(c.Context())
		status := fiber.StatusOK
		if !report.Healthy {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(report)
	})

	api := app.Group("/api")
	api.Use(middleware.NewRateLimiter(20, 60).Handler())
	api.Get("/board", boardHandler.Get)
	api.Post("/nodes", boardHandler.CreateNode)
	api.Put("/nodes/:id", boardHandler.UpdateNode)
	api.Delete("/nodes/:id", boardHandler.DeleteNode)
	api.Post("/connections", boardHandler.CreateConnection)
	api.Delete("/connections", boardHandler.DeleteConnection)

	api.Post("/execute/:id", execHandler.Execute)
	api.Post("/stop", execHandler.Stop)
	api.Post("/clear", execHandler.Clear)
	api.Get("/state", execHandler.State)

	api.Get("/schedules", execHandler.ListSchedules)
	api.Post("/schedules", execHandler.CreateSchedule)
	api.Delete("/schedules/:id", execHandler.DeleteSchedule)

	api.Get("/settings", filesHandler.GetSettings)
	api.Put("/settings", filesHandler.UpdateSettings)

	app.Get("/downloads/:id/:filename", filesHandler.Download)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/board", websocket.New(hub.Handle))

	// Graceful shutdown: stop accepting traffic, halt the scheduler, abort
	// any in-flight run, and flush the board before exit.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down...")
		if err := schedules.Stop(); err != nil {
			log.Printf("⚠️ Scheduler shutdown: %v", err)
		}
		pipe.StopExecution()
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Server shutdown: %v", err)
		}
		if err := store.Flush(); err != nil {
			log.Printf("⚠️ Board flush: %v", err)
		}
	}()

	log.Printf("🚀 QUIRK board server listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}

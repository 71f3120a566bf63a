package main

import (
	"context"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/smartcity/intersection/internal/delivery/http"
	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/livefeed"
	"github.com/smartcity/intersection/internal/quarantine"
	"github.com/smartcity/intersection/internal/repository/postgres"
	"github.com/smartcity/intersection/internal/service"
	"github.com/smartcity/intersection/internal/timeutil"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Configuration
	cfg := loadConfig()

	// Database connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var source domain.HistoricalSource
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, running with mock data only")
		source = postgres.NewMockRepository()
	} else if pool, err := pgxpool.New(ctx, cfg.DatabaseURL); err != nil {
		log.Printf("Warning: Could not connect to database: %v", err)
		log.Println("Running with mock data only")
		source = postgres.NewMockRepository()
	} else {
		defer pool.Close()
		repo := postgres.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Printf("Warning: %v", err)
		}
		log.Println("Connected to PostgreSQL")
		source = repo
	}

	// Rejected live payloads
	rejected, err := quarantine.Open(cfg.QuarantinePath)
	if err != nil {
		log.Fatalf("Failed to open quarantine: %v", err)
	}
	defer rejected.Close()

	// Dependency Injection: Services
	var live *service.LiveIngestor
	if cfg.LiveWSURL != "" {
		client := livefeed.NewClient(cfg.LiveWSURL)
		if cfg.LiveWSToken != "" {
			client = client.WithHeader(nethttp.Header{"Authorization": {"Bearer " + cfg.LiveWSToken}})
		}
		live = service.NewLiveIngestor(client, rejected)
	} else {
		log.Println("LIVE_WS_URL not set, live streaming disabled")
	}
	ctrl := service.NewModeController(
		service.NewBulkIngestor(source, float64(cfg.BsmRadiusMeters)),
		live,
		timeutil.RealClock{},
		service.ControllerConfig{
			Debounce:    time.Duration(cfg.QueryDebounceMs) * time.Millisecond,
			LiveAdvance: time.Duration(cfg.LiveAdvanceMs) * time.Millisecond,
		},
	)
	if cfg.IntersectionID != 0 {
		ctrl.Select(cfg.IntersectionID, cfg.RoadRegulatorID)
	}

	// Fiber App
	app := fiber.New(fiber.Config{
		AppName:      "Intersection Fusion API v1.0",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorHandler: http.ErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Routes
	http.SetupRoutes(app, http.NewHandler(ctrl, source, rejected))

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s (%s)", cfg.Port, cfg.Env)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		log.Printf("Failed to stop live session: %v", err)
	}
	log.Println("Server exited gracefully")
}

type Config struct {
	DatabaseURL     string
	LiveWSURL       string
	LiveWSToken     string
	Port            string
	Env             string
	IntersectionID  int
	RoadRegulatorID int
	QueryDebounceMs int
	LiveAdvanceMs   int
	BsmRadiusMeters int
	QuarantinePath  string
}

func loadConfig() *Config {
	return &Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		LiveWSURL:       getEnv("LIVE_WS_URL", ""),
		LiveWSToken:     getEnv("LIVE_WS_TOKEN", ""),
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("GO_ENV", "development"),
		IntersectionID:  getEnvInt("INTERSECTION_ID", 0),
		RoadRegulatorID: getEnvInt("ROAD_REGULATOR_ID", -1),
		QueryDebounceMs: getEnvInt("QUERY_DEBOUNCE_MS", 500),
		LiveAdvanceMs:   getEnvInt("LIVE_ADVANCE_MS", 1000),
		BsmRadiusMeters: getEnvInt("BSM_RADIUS_METERS", service.DefaultBsmRadiusMeters),
		QuarantinePath:  getEnv("QUARANTINE_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

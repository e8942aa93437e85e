package bootstrap

import (
	"strings"
	"time"

	"paipers_server/adapter/in/http"
	"paipers_server/config"
	"paipers_server/infra/middleware"
	"paipers_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI assembles the HTTP application and its dependency graph.
func NewAPI(cfg *config.Config) (*fiber.App, *Dependencies, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "paipers",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json is a drop-in replacement, measurably faster than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// A materialized PDF download never exceeds Gmail's 25MB cap,
		// but inbound request bodies stay small.
		BodyLimit: 10 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.PreventPathTraversal())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS
	// AllowCredentials:true requires explicit origins (not "*")
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID,X-User-Id",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health checks (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.MongoDB)
	healthHandler.Register(app)

	api := app.Group("/api/v1")

	// Pub/Sub push delivery must never be throttled, everything else is.
	rateLimit := middleware.NewRateLimiter(120, time.Minute).Handler()
	api.Use(func(c *fiber.Ctx) error {
		if strings.HasSuffix(c.Path(), "/gmail/webhook") {
			return c.Next()
		}
		return rateLimit(c)
	})

	// OAuth connect/callback flow (Google redirects to the callback)
	oauthHandler := http.NewOAuthHandler(deps.AuthService, deps.WatchService, cfg.OAuthSuccessURL)
	oauthHandler.Register(api)

	// Pub/Sub push notifications (called by Google, no auth)
	webhookHandler := http.NewWebhookHandler(deps.IntakeService, deps.Redis)
	webhookHandler.SetTTLs(cfg.IdempotencyTTL, cfg.SyncLockTTL)
	webhookHandler.Register(api)

	// Manual and cron-triggered scans
	scanHandler := http.NewScanHandler(deps.IntakeService, deps.FleetScanScheduler, cfg.CronSecret)
	scanHandler.Register(api)

	// Document listing, materialization and downloads
	documentHandler := http.NewDocumentHandler(deps.IntakeService, deps.DocRepo, deps.BlobStore)
	documentHandler.Register(api)

	logger.Info("API routes registered")
	return app, deps, cleanup, nil
}

package bootstrap

import (
	"context"
	"strings"
	"time"

	"paipers_server/adapter/in/worker"
	"paipers_server/adapter/out/llm"
	"paipers_server/adapter/out/mongodb"
	"paipers_server/adapter/out/persistence"
	"paipers_server/adapter/out/provider"
	"paipers_server/config"
	"paipers_server/core/port/out"
	"paipers_server/core/service/auth"
	"paipers_server/core/service/intake"
	"paipers_server/core/service/watch"
	"paipers_server/infra/database"
	"paipers_server/pkg/logger"
	"paipers_server/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	ConnRepo  out.ConnectionRepository
	DocRepo   out.DocumentRepository
	BlobStore out.BlobStore

	// Providers
	GmailProvider *provider.GmailAdapter
	Classifier    out.DocumentClassifier

	// Services
	AuthService   *auth.MailboxAuthService
	IntakeService *intake.IntakeService
	WatchService  *watch.WatchService

	// Background workers
	FleetScanScheduler  *worker.FleetScanScheduler
	WatchRenewScheduler *worker.WatchRenewScheduler
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	// Database (pgxpool)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the repository adapters)
	// simple_protocol avoids prepared statement conflicts behind PgBouncer
	logger.Debug("Connecting to database via sqlx...")
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Register with global pool monitor
	metrics.RegisterPool("postgres", sqlDB.DB)

	logger.Info("sqlx database connection successful (pool: max=%d, idle=%d)", 25, 10)

	// Redis (webhook idempotency and sync locks)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// MongoDB (PDF blob storage)
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			logger.Warn("MongoDB connection failed, materialization disabled: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			blobAdapter := mongodb.NewBlobAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := blobAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("Failed to ensure MongoDB blob indexes: %v", err)
			}
			deps.BlobStore = blobAdapter
		}
	}

	// Repositories
	deps.ConnRepo = persistence.NewConnectionAdapter(deps.SQLDB)
	deps.DocRepo = persistence.NewDocumentAdapter(deps.SQLDB)

	// Gmail provider
	deps.GmailProvider = provider.NewGmailAdapter(provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		ProjectID:    cfg.GoogleProjectID,
		Topic:        cfg.GmailPubSubTopic,
	})

	// Document classifier (OpenAI)
	deps.Classifier = llm.NewClassifier(llm.ClassifierConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
	})

	// Services
	deps.AuthService = auth.NewMailboxAuthService(
		deps.GmailProvider,
		deps.ConnRepo,
		cfg.StateSecret,
		cfg.StateTTL,
	)

	deps.IntakeService = intake.NewIntakeService(
		deps.GmailProvider,
		deps.ConnRepo,
		deps.DocRepo,
		deps.BlobStore,
		deps.Classifier,
		deps.AuthService,
		intake.Config{
			ScanQuery:        cfg.ScanQuery,
			ScanMaxMessages:  cfg.ScanMaxMessages,
			MaterializeQuery: cfg.MaterializeQuery,
			MaterializeMax:   cfg.MaterializeMax,
		},
	)

	deps.WatchService = watch.NewWatchService(
		deps.GmailProvider,
		deps.ConnRepo,
		deps.AuthService,
	)

	// Background workers
	zlog := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	fleetConfig := worker.DefaultFleetScanConfig()
	fleetConfig.Workers = cfg.FleetScanWorkers
	fleetConfig.Interval = cfg.FleetScanInterval
	deps.FleetScanScheduler = worker.NewFleetScanScheduler(
		deps.IntakeService,
		deps.ConnRepo,
		fleetConfig,
		zlog,
	)
	deps.WatchRenewScheduler = worker.NewWatchRenewScheduler(deps.WatchService)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return deps, cleanup, nil
}

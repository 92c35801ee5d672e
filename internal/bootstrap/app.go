// Package bootstrap wires the application's services together for the API
// server and the maintenance worker.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"studio-backend/internal/archive"
	googleauth "studio-backend/internal/auth"
	"studio-backend/internal/followup"
	"studio-backend/internal/graph"
	"studio-backend/internal/llm"
	openai "studio-backend/internal/llm/openai"
	"studio-backend/internal/queue"
	"studio-backend/internal/sessions"
	"studio-backend/internal/shared/config"
	"studio-backend/internal/shared/server"
	"studio-backend/internal/shared/storage/db"
	"studio-backend/internal/shared/storage/object"
	localstore "studio-backend/internal/shared/storage/object/local"
	s3store "studio-backend/internal/shared/storage/object/s3"
	"studio-backend/internal/statestore"
	"studio-backend/internal/usage"
	"studio-backend/internal/users"
	"studio-backend/internal/workflow"
)

// archiveAfter is how long a finished session stays queryable in the archive
// before the maintenance worker moves it to cold storage.
const archiveAfter = 30 * 24 * time.Hour

const archiveBatchSize = 100

// App holds shared dependencies.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Redis  *redis.Client
	Store  object.ObjectStore
	Queue  queue.Client

	StateStore   statestore.Store
	Checkpointer *statestore.Checkpointer
	ArchiveRepo  archive.Repo
	ColdStore    *archive.ColdStore
	UsersRepo    users.Repo

	LLM             llm.Client
	Workflow        *workflow.Workflow
	Engine          *graph.Engine
	Hub             *sessions.Hub
	SessionsService *sessions.Service
	FollowupService *followup.Service
	UsageService    *usage.Service
	UsersService    *users.Service

	SessionsHandler *sessions.Handler
	FollowupHandler *followup.Handler
	UsageHandler    *usage.Handler
	UsersHandler    *users.Handler
	GoogleAuth      *googleauth.GoogleService

	stopBridge context.CancelFunc
}

// Build prepares shared dependencies and the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Queue:  queueClient,
	}

	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		SessionsHandler: app.SessionsHandler,
		FollowupHandler: app.FollowupHandler,
		UsageHandler:    app.UsageHandler,
		UsersHandler:    app.UsersHandler,
		GoogleAuth:      app.GoogleAuth,
	})

	return app, nil
}

// Close releases background work started by Build.
func (a *App) Close() {
	if a.stopBridge != nil {
		a.stopBridge()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultLambdaOptions())
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultServerOptions())
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, os.Getenv("SSE_KMS_KEY_ID"))
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context) (queue.Client, error) {
	if strings.TrimSpace(os.Getenv("SQS_QUEUE_URL")) == "" {
		return queue.NewMemoryClient(0), nil
	}
	return queue.NewSQSClient(ctx)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config
	ttl := time.Duration(cfg.SessionTTLSeconds) * time.Second

	// Hot state store: Redis when configured, in-process otherwise.
	var stateStore statestore.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := statestore.NewRedis(ctx, cfg.RedisURL, ttl)
		if err != nil {
			return fmt.Errorf("connect redis state store: %w", err)
		}
		stateStore = redisStore

		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		app.Redis = redis.NewClient(opt)
	} else {
		stateStore = statestore.NewMemory(ttl)
	}
	app.StateStore = stateStore
	app.Checkpointer = statestore.NewCheckpointer(stateStore)

	// Durable archive.
	if app.DB != nil {
		if err := archive.EnsureSchema(ctx, app.DB); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
		app.ArchiveRepo = &archive.PGRepo{DB: app.DB}
	} else {
		app.ArchiveRepo = archive.NewMemoryRepo()
	}
	if strings.TrimSpace(cfg.ArchiveColdDir) != "" {
		cold, err := archive.NewColdStore(cfg.ArchiveColdDir)
		if err != nil {
			return fmt.Errorf("open cold store: %w", err)
		}
		app.ColdStore = cold
	}

	if app.DB != nil {
		app.UsageService = usage.NewPostgresService(usage.NewPGStore(app.DB))
		app.UsersRepo = &users.PGRepo{DB: app.DB}
	} else {
		app.UsageService = usage.NewService()
		app.UsersRepo = users.NewMemoryRepo()
	}
	app.UsersService = users.NewService(app.UsersRepo)

	llmClient := llm.Client(llm.PlaceholderClient{})
	if cfg.LLMProvider == "openai" {
		openaiClient, err := openai.NewClient(os.Getenv("OPENAI_API_KEY"), cfg.LLMModel)
		if err != nil {
			return err
		}
		llmClient = llm.WithRetry(openaiClient)
	}
	app.LLM = llmClient

	app.Hub = sessions.NewHub(app.Redis)
	svc := sessions.NewService(stateStore, app.Checkpointer, app.ArchiveRepo, app.UsageService, app.Hub, sessions.Config{
		SessionTTL: ttl,
	})

	app.Workflow = workflow.New(llmClient, app.Store, workflow.Config{
		DefaultExecutionMode: cfg.ExecutionMode,
	}, workflow.WithAgentResultHook(svc.OnAgentResult))

	engine, err := graph.NewEngine(app.Workflow.Graph(),
		graph.WithCheckpointer(app.Checkpointer),
		graph.WithStepObserver(svc.OnStep),
		graph.WithMaxSteps(cfg.MaxGraphSteps),
	)
	if err != nil {
		return fmt.Errorf("build workflow engine: %w", err)
	}
	svc.SetEngine(engine)
	app.Engine = engine
	app.SessionsService = svc

	app.FollowupService = followup.NewService(llmClient, stateStore, app.ArchiveRepo, app.Store, followup.Config{
		MaxTurns: cfg.FollowupMaxTurns,
	})

	app.SessionsHandler = sessions.NewHandler(svc)
	app.FollowupHandler = followup.NewHandler(app.FollowupService)
	app.UsageHandler = usage.NewHandler(app.UsageService)
	app.UsersHandler = users.NewHandler(app.UsersService)
	app.GoogleAuth = googleauth.NewGoogleService(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
		cfg.UIRedirectURL,
	)

	// Cross-instance event fan-out only matters with Redis in play.
	if app.Redis != nil {
		bridgeCtx, cancel := context.WithCancel(context.Background())
		app.stopBridge = cancel
		go app.Hub.RunBridge(bridgeCtx)
	}

	return nil
}

// ArchiveOldSessions moves aged archive rows to cold storage.
func (a *App) ArchiveOldSessions(ctx context.Context) (int, error) {
	if a.ColdStore == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-archiveAfter)
	return archive.ArchiveOld(ctx, a.ArchiveRepo, a.ColdStore, cutoff, archiveBatchSize)
}

// VacuumArchive reclaims space in the archive tables.
func (a *App) VacuumArchive(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return archive.Vacuum(ctx, a.DB)
}

// RecoverSessions resumes every session interrupted by a process restart.
func (a *App) RecoverSessions(ctx context.Context) (int, error) {
	return a.SessionsService.RecoverRunning(ctx)
}

// RecoverSession resumes one session from its last checkpoint.
func (a *App) RecoverSession(ctx context.Context, sessionID string) error {
	return a.SessionsService.RecoverSession(ctx, sessionID)
}

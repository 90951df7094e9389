package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"t3rms-backend/internal/analyses"
	"t3rms-backend/internal/events"
	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/llm/gemini"
	"t3rms-backend/internal/llm/openai"
	"t3rms-backend/internal/queue"
	"t3rms-backend/internal/services/health"
	"t3rms-backend/internal/shared/auth"
	"t3rms-backend/internal/shared/config"
	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/server"
	"t3rms-backend/internal/shared/storage/db"
	"t3rms-backend/internal/shared/storage/kv"
	"t3rms-backend/internal/shared/storage/object"
	localstore "t3rms-backend/internal/shared/storage/object/local"
	s3store "t3rms-backend/internal/shared/storage/object/s3"
	"t3rms-backend/internal/shared/telemetry"
	"t3rms-backend/internal/workerproc"
)

// Role selects which parts of the app a binary needs.
type Role int

const (
	// RoleAPI serves HTTP and dispatches jobs, running them in-process when
	// no durable queue is configured.
	RoleAPI Role = iota
	// RoleWorker only runs the pipeline for delivered messages.
	RoleWorker
)

// App holds shared dependencies.
type App struct {
	Config     config.Config
	Router     *gin.Engine
	DB         *sql.DB
	Redis      *goredis.Client
	Store      object.ObjectStore
	Bus        events.Bus
	Queue      queue.Client
	LocalQueue *queue.LocalClient
	LLM        llm.Client
	Repo       analyses.Repo
	Pipeline   *analyses.Pipeline
	Service    *analyses.Service
	Handler    *analyses.Handler
	Health     *health.Service
}

// Build prepares shared dependencies for role.
func Build(ctx context.Context, cfg config.Config, role Role) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	telemetry.Init(cfg.Log.Level, cfg.Log.Format)
	metrics.MustRegister()

	app := &App{Config: cfg, Health: health.NewService()}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB
	if sqlDB != nil {
		app.Health.Register("database", func(ctx context.Context) error {
			return db.Ping(ctx, sqlDB, 0)
		})
	}

	rdb, err := kv.Connect(ctx, cfg.Redis)
	if err != nil {
		if !isDevLike(cfg.Env) {
			app.Close(ctx)
			return nil, err
		}
		telemetry.Warn("bootstrap.redis_unavailable", map[string]any{"error": err.Error()})
	}
	if rdb != nil {
		app.Redis = rdb
		app.Health.Register("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	if app.Store, err = buildStore(ctx, cfg); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.Bus, err = buildBus(app.Redis, cfg); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.LLM, err = buildLLM(ctx, cfg); err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.Repo = buildRepo(app.DB, app.Redis, cfg)
	app.Pipeline = &analyses.Pipeline{
		Repo:    app.Repo,
		Store:   app.Store,
		Planner: analyses.NewPlanner(cfg.Analysis.MaxPagesPerChunk, cfg.Analysis.BytesPerPageEstimate),
		Analyzer: &analyses.Analyzer{
			LLM:            app.LLM,
			Timeout:        cfg.LLM.Timeout,
			MaxRetries:     cfg.LLM.MaxRetries,
			RetryBaseDelay: cfg.LLM.RetryBaseDelay,
		},
		Bus:              app.Bus,
		ChunkConcurrency: cfg.Analysis.ChunkConcurrency,
		LeaseTTL:         cfg.Analysis.LeaseTTL,
	}

	if role == RoleWorker {
		return app, nil
	}

	if app.Queue, err = app.buildQueue(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Service = &analyses.Service{
		Repo:         app.Repo,
		Store:        app.Store,
		Pipeline:     app.Pipeline,
		Queue:        app.Queue,
		Bus:          app.Bus,
		MaxFileBytes: cfg.Analysis.MaxFileBytes,
		SyncMaxBytes: cfg.Analysis.SyncMaxBytes,
	}
	app.Handler = &analyses.Handler{
		Svc:          app.Service,
		Bus:          app.Bus,
		PollInterval: cfg.Events.PollInterval,
		Heartbeat:    cfg.Events.Heartbeat,
	}
	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		Verifier:        auth.NewVerifier(cfg.Auth.JWTSecret),
		AnalysisHandler: app.Handler,
		Health:          app.Health,
	})
	return app, nil
}

// Close drains the in-process queue and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.LocalQueue != nil {
		if err := a.LocalQueue.Shutdown(ctx); err != nil {
			telemetry.Warn("bootstrap.queue_shutdown", map[string]any{"error": err.Error()})
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil && !db.IsLambdaRuntime() {
		_ = a.DB.Close()
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultLambdaOptions()))
	} else {
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "database connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}

	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildBus(rdb *goredis.Client, cfg config.Config) (events.Bus, error) {
	if rdb == nil {
		return events.NewMemoryBus(), nil
	}
	return events.NewRedisBus(rdb, cfg.Redis.ChannelPrefix)
}

func buildRepo(sqlDB *sql.DB, rdb *goredis.Client, cfg config.Config) analyses.Repo {
	var repo analyses.Repo
	if sqlDB != nil {
		repo = &analyses.PGRepo{DB: sqlDB}
	} else {
		repo = analyses.NewMemoryRepo()
	}
	if rdb == nil {
		return repo
	}
	return analyses.NewCachedRepo(repo, kv.RedisCache{Client: rdb}, cfg.Redis.CacheTTL)
}

func buildLLM(ctx context.Context, cfg config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Options{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.LLM.Timeout,
		})
	case config.ProviderGemini:
		return gemini.NewClient(ctx, gemini.Options{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM.Provider)
	}
}

// buildQueue returns the SQS client when a queue URL is configured and an
// in-process pool otherwise.
func (a *App) buildQueue(ctx context.Context) (queue.Client, error) {
	cfg := a.Config.Queue
	if strings.TrimSpace(cfg.URL) != "" {
		return queue.NewSQSClient(ctx, cfg.URL, cfg.Region)
	}
	if !isDevLike(a.Config.Env) {
		telemetry.Warn("bootstrap.local_queue", map[string]any{"reason": "queue url empty; jobs are lost on restart"})
	}
	pipeline := a.Pipeline
	if pipeline == nil {
		return nil, errors.New("pipeline not configured")
	}
	a.LocalQueue = queue.NewLocalClient(ctx, cfg.WorkerConcurrency, cfg.LocalBuffer, func(ctx context.Context, msg queue.Message) error {
		return workerproc.Deliver(ctx, pipeline, msg)
	})
	return a.LocalQueue, nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}

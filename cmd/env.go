package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/conflict"
	"github.com/grantvault/orgmemory/internal/generation"
	"github.com/grantvault/orgmemory/internal/memory"
	"github.com/grantvault/orgmemory/internal/monitoring"
	"github.com/grantvault/orgmemory/internal/resilience"
	"github.com/grantvault/orgmemory/internal/retrieval"
	"github.com/grantvault/orgmemory/internal/store"
	"github.com/grantvault/orgmemory/internal/vectorindex"
	anthropicpkg "github.com/grantvault/orgmemory/pkg/anthropic"
	"github.com/grantvault/orgmemory/pkg/embedding"
	"github.com/grantvault/orgmemory/pkg/pinecone"
)

// appEnv holds the initialized store, services and background workers
// used by the serve and scan commands.
type appEnv struct {
	Store     store.Store
	Engine    *confidence.Engine
	Breakers  *resilience.ServiceBreakers
	Gateway   *retrieval.Gateway
	Generator *generation.Orchestrator
	Memory    *memory.Service
	Scheduler *conflict.Scheduler
	Alerter   *monitoring.Alerter
	Checker   *monitoring.Checker
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "orgmemory.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initIndex picks the vector index. pgvector shares the Postgres pool.
func initIndex(st store.Store) (retrieval.Index, *vectorindex.PGVector, error) {
	switch cfg.Vector.Provider {
	case "pinecone":
		client, err := pinecone.NewClient(cfg.Vector.Pinecone.Key, cfg.Vector.Pinecone.IndexHost)
		if err != nil {
			return nil, nil, err
		}
		return vectorindex.NewPinecone(client), nil, nil
	case "pgvector":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, nil, eris.New("vector.provider pgvector requires store.driver postgres")
		}
		idx, err := vectorindex.NewPGVector(pg.Pool(), cfg.Vector.Table, cfg.Vector.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		return idx, idx, nil
	default:
		return nil, nil, eris.Errorf("unsupported vector provider: %s", cfg.Vector.Provider)
	}
}

// initScanner builds the conflict scheduler with its alerting hook. It needs
// only the store, so the scan command can run without model credentials.
func initScanner(st store.Store) (*conflict.Scheduler, *monitoring.Alerter) {
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	sched := conflict.NewScheduler(st, conflict.NewRequirementDetector(st), st, conflict.Options{
		Concurrency:   cfg.Scheduler.Concurrency,
		TenantTimeout: time.Duration(cfg.Scheduler.TenantTimeoutSecs) * time.Second,
		Cron:          cfg.Scheduler.Cron,
		Notifier:      alerter,
	})
	return sched, alerter
}

// initEnv validates config for mode, opens and migrates the store and
// wires every service. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	engine, err := confidence.NewEngine(confidence.FromConfig(cfg.Confidence))
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	index, _, err := initIndex(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	breakers := resilience.NewServiceBreakers(resilience.FromConfig(cfg.Resilience))

	embedder := embedding.NewClient(cfg.Embedding.Key,
		embedding.WithBaseURL(cfg.Embedding.BaseURL),
		embedding.WithModel(cfg.Embedding.Model),
		embedding.WithRateLimit(cfg.Embedding.RateLimit),
	)
	gateway := retrieval.NewGateway(embedder, index, retrieval.Options{
		EmbedTimeout: time.Duration(cfg.Retrieval.EmbedTimeoutSecs) * time.Second,
		QueryTimeout: time.Duration(cfg.Retrieval.QueryTimeoutSecs) * time.Second,
		Documents:    st,
		EmbedBreaker: breakers.Get(resilience.ServiceEmbedding),
		IndexBreaker: breakers.Get(resilience.ServiceVector),
	})

	orchestrator := generation.NewOrchestrator(anthropicpkg.NewClient(cfg.Anthropic.Key), generation.Options{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Timeout:   time.Duration(cfg.Generation.TimeoutSecs) * time.Second,
		Breaker:   breakers.Get(resilience.ServiceAnthropic),
	})

	svc := memory.NewService(gateway, orchestrator, engine, memory.Options{
		TopK:                    cfg.Retrieval.TopK,
		MinScore:                cfg.Retrieval.MinScore,
		DefaultMode:             generation.Mode(cfg.Generation.DefaultMode),
		RetryAttempts:           cfg.Retrieval.RetryAttempts,
		DegradeOnRetrievalError: cfg.Retrieval.DegradeOnRetrievalError,
		Audit:                   st,
	})

	sched, alerter := initScanner(st)
	checker := monitoring.NewChecker(monitoring.NewCollector(st), alerter, cfg.Monitoring)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("vector", cfg.Vector.Provider),
		zap.String("model", cfg.Anthropic.Model),
	)

	return &appEnv{
		Store:     st,
		Engine:    engine,
		Breakers:  breakers,
		Gateway:   gateway,
		Generator: orchestrator,
		Memory:    svc,
		Scheduler: sched,
		Alerter:   alerter,
		Checker:   checker,
	}, nil
}

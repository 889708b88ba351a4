// Package app wires all Lectern subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithMemory, WithScopeLock, WithMetrics). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/budget"
	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/scopelock"
	"github.com/MrWong99/lectern/internal/turn"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/memstore"
	"github.com/MrWong99/lectern/pkg/memory/postgres"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// Memory is a single backend serving every storage port. The in-process
// [memstore.Store] satisfies it.
type Memory interface {
	memory.SegmentStore
	memory.SemanticIndex
	memory.ConversationStore
	memory.DocumentStore
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Storage ports, injected or created by initMemory.
	segments  memory.SegmentStore
	index     memory.SemanticIndex
	turns     memory.ConversationStore
	documents memory.DocumentStore

	// lock is nil when turns are only serialised within this process.
	lock     turn.ScopeLock
	checkers []health.Checker

	indexer    *indexer.Indexer
	planner    *retrieval.Planner
	assembler  *chatctx.Assembler
	controller *turn.Controller
	lectures   *Lectures
	ingest     *ingest.Service

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemory injects a storage backend instead of connecting to Postgres.
func WithMemory(m Memory) Option {
	return func(a *App) {
		a.segments, a.index, a.turns, a.documents = m, m, m, m
	}
}

// WithScopeLock injects a cross-replica scope lock instead of connecting to
// Redis.
func WithScopeLock(l turn.ScopeLock) Option {
	return func(a *App) { a.lock = l }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// defaulted and validated (see [config.Load]).
//
// New performs all initialisation synchronously: memory store connection and
// schema migration, scope lock connection, and construction of the indexing,
// retrieval, assembly and turn pipeline.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Embeddings == nil {
		return nil, errors.New("app: an LLM and an embeddings provider are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	if err := a.initScopeLock(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init scope lock: %w", err)
	}

	if err := a.initPipeline(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	return a, nil
}

func (a *App) initMemory(ctx context.Context) error {
	if a.segments != nil && a.index != nil && a.turns != nil && a.documents != nil {
		return nil // injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("memory.postgres_dsn not set, using the in-process store; nothing survives a restart")
		WithMemory(memstore.New())(a)
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Memory.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.segments = store.Segments()
	a.index = store.Index()
	a.turns = store.Conversations()
	a.documents = store.Documents()

	a.checkers = append(a.checkers, health.PingCheck("postgres", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initScopeLock(ctx context.Context) error {
	if a.lock != nil || a.cfg.Redis.Addr == "" {
		return nil
	}

	locker, err := scopelock.Connect(ctx, a.cfg.Redis.Addr, scopelock.WithTTL(a.cfg.Redis.LockTTL))
	if err != nil {
		return err
	}
	a.lock = locker
	a.checkers = append(a.checkers, health.PingCheck("redis", locker))
	a.closers = append(a.closers, locker.Close)
	slog.Info("scope lock enabled", "redis", a.cfg.Redis.Addr, "ttl", a.cfg.Redis.LockTTL)
	return nil
}

func (a *App) initPipeline() error {
	e := a.cfg.Engine

	policies, err := scopePolicies(e.Policies)
	if err != nil {
		return err
	}

	a.indexer = indexer.New(a.providers.Embeddings, a.index,
		indexer.WithChunking(e.ChunkSize, e.ChunkOverlap),
		indexer.WithMaxBatchSize(e.EmbedBatchSize),
		indexer.WithMetrics(a.metrics),
	)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "semantic-index",
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	a.planner = retrieval.New(a.providers.Embeddings, a.index,
		retrieval.WithDefaults(e.RetrievalK, e.MinScore),
		retrieval.WithTimeout(e.RetrievalTimeout),
		retrieval.WithCircuitBreaker(breaker),
		retrieval.WithMetrics(a.metrics),
	)

	a.ingest = ingest.NewService(a.documents, a.indexer)
	a.lectures = NewLectures(LecturesConfig{
		Segments:   a.segments,
		Indexer:    a.indexer,
		Ingest:     a.ingest,
		TailSize:   e.TailSize,
		IndexEvery: e.IndexEvery,
	})

	a.assembler = chatctx.NewAssembler(chatctx.Deps{
		Accountant: budget.NewAccountant(e.Budget),
		Lectures:   a.lectures,
		Documents:  a.documents,
		Turns:      a.turns,
		Retriever:  a.planner,
	},
		chatctx.WithTailSize(e.TailSize),
		chatctx.WithHistoryBudget(e.HistoryBudget),
		chatctx.WithMetrics(a.metrics),
	)

	a.controller = turn.NewController(turn.Deps{
		Assembler: a.assembler,
		LLM:       a.providers.LLM,
		Turns:     a.turns,
		Lock:      a.lock,
		Metrics:   a.metrics,
	}, turn.Config{
		SystemPrompt:          e.SystemPrompt,
		GenerationTimeout:     e.GenerationTimeout,
		CommitTimeout:         config.CommitTimeout,
		PersistPartialOnAbort: e.PersistPartialOnAbort,
		Policies:              policies,
		QueueDepth:            e.QueueDepth,
		Temperature:           e.Temperature,
		MaxTokens:             e.MaxTokens,
	})

	// Running turns and live indexing stop before the stores they write to.
	a.closers = append([]func() error{a.controller.Close, a.lectures.Close}, a.closers...)
	return nil
}

// scopePolicies converts the configured busy policies. Types missing from
// the config keep their default.
func scopePolicies(cfg map[string]config.ScopePolicy) (map[memory.ScopeType]turn.Policy, error) {
	out := turn.DefaultPolicies()
	for name, p := range cfg {
		st, err := memory.ParseScopeType(name)
		if err != nil {
			return nil, err
		}
		pol, err := turn.ParsePolicy(string(p))
		if err != nil {
			return nil, err
		}
		out[st] = pol
	}
	return out, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the turn controller.
func (a *App) Controller() *turn.Controller { return a.controller }

// Lectures returns the lecture lifecycle manager.
func (a *App) Lectures() *Lectures { return a.lectures }

// Ingest returns the document ingestion service.
func (a *App) Ingest() *ingest.Service { return a.ingest }

// Conversations returns the conversation store.
func (a *App) Conversations() memory.ConversationStore { return a.turns }

// Checkers returns the readiness checks of the connected backends.
func (a *App) Checkers() []health.Checker { return a.checkers }

// Metrics returns the metric instruments shared by all subsystems.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves h on the configured listen address until ctx is cancelled,
// then drains open requests within the shutdown timeout. It returns nil
// after a clean shutdown.
func (a *App) Run(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a.serve(ctx, srv)
}

func (a *App) serve(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: running turns are aborted, live
// indexing stops, then the scope lock and stores are closed. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New already opened.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

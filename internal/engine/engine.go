package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbcove/dbcove/internal/query"
	"github.com/dbcove/dbcove/internal/tenant"
	"github.com/dbcove/dbcove/pkg/config"
	"github.com/dbcove/dbcove/pkg/database"
	"github.com/dbcove/dbcove/pkg/health"
	"github.com/dbcove/dbcove/pkg/keys"
	"github.com/dbcove/dbcove/pkg/logger"
	"github.com/dbcove/dbcove/pkg/store"
)

// ServiceIdentity names this service in cache-key prefixes. Fixed for
// the process lifetime.
const ServiceIdentity = "database-api"

// Engine owns the isolation and execution core and serves it over HTTP
type Engine struct {
	config *config.Config
	logger *logger.Logger

	server        *http.Server
	catalogDB     *database.PostgreSQL
	resourceStore *store.Store
	catalog       *tenant.Catalog
	router        *tenant.Router
	executor      *query.Executor
	ledger        *query.Ledger
	healthChecker *health.Checker
	lifecycleSub  *store.Subscription

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		requestsProcessed int64
		errors            int64
	}
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		config:        cfg,
		healthChecker: health.NewChecker(),
	}
}

// SetLogger sets the logger for the engine
func (e *Engine) SetLogger(logger *logger.Logger) {
	e.logger = logger
}

func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	keyBuilder, err := keys.NewBuilder(ServiceIdentity)
	if err != nil {
		return fmt.Errorf("failed to create key builder: %w", err)
	}

	// One persistent store connection per service process
	e.resourceStore, err = store.Connect(ctx, store.FromGlobalConfig(e.config), keyBuilder, e.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to resource store: %w", err)
	}

	// Catalog database holds tenant descriptors and the query history
	e.catalogDB, err = database.New(ctx, database.FromGlobalConfig(e.config))
	if err != nil {
		return fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	e.catalog = tenant.NewCatalog(e.catalogDB, e.logger)
	e.ledger = query.NewLedger(e.catalogDB, e.logger)
	if err := e.ledger.EnsureSchema(ctx); err != nil {
		return err
	}

	e.router = tenant.NewRouter(e.routerConfig(), e.catalog, e.logger)

	e.executor = query.NewExecutor(e.executorConfig(), query.NewTenantRouter(e.router), e.ledger, e.logger)
	e.executor.SetNotifier(NewStoreNotifier(e.resourceStore, e.logger))

	// Evict pools when the tenant-management collaborator reports a
	// tenant non-active
	e.lifecycleSub, err = tenant.WatchLifecycle(ctx, e.resourceStore, e.router, e.logger)
	if err != nil {
		return fmt.Errorf("failed to watch tenant lifecycle: %w", err)
	}

	e.healthChecker.RunCheck("store", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return e.resourceStore.Ping(checkCtx)
	})
	e.healthChecker.RunCheck("catalog", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return e.catalogDB.Ping(checkCtx)
	})

	port, err := strconv.Atoi(e.config.GetOrDefault("server.port", "8082"))
	if err != nil {
		return fmt.Errorf("invalid port configuration: %v", err)
	}

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewServer(e).Router(),
	}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Errorf("HTTP server stopped: %v", err)
			atomic.AddInt64(&e.metrics.errors, 1)
		}
	}()

	e.logger.Infof("Database API engine listening on port %d", port)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.lifecycleSub != nil {
		if err := e.lifecycleSub.Cancel(); err != nil {
			e.logger.Warnf("Failed to cancel lifecycle subscription: %v", err)
		}
	}

	var shutdownErr error
	if e.server != nil {
		shutdownErr = e.server.Shutdown(ctx)
	}

	if e.router != nil {
		e.router.Close()
	}
	if e.resourceStore != nil {
		e.resourceStore.Close()
	}
	if e.catalogDB != nil {
		e.catalogDB.Close()
	}

	return shutdownErr
}

func (e *Engine) routerConfig() tenant.RouterConfig {
	cfg := tenant.DefaultRouterConfig()
	if timeout, err := time.ParseDuration(e.config.Get("router.acquire.timeout")); err == nil && timeout > 0 {
		cfg.AcquireTimeout = timeout
	}
	if size, err := strconv.Atoi(e.config.Get("router.pool.size")); err == nil && size > 0 {
		cfg.DefaultPoolSize = int32(size)
	}
	return cfg
}

func (e *Engine) executorConfig() query.Config {
	cfg := query.DefaultConfig()
	if max, err := strconv.Atoi(e.config.Get("executor.max.query.length")); err == nil && max > 0 {
		cfg.MaxQueryLength = max
	}
	if timeout, err := time.ParseDuration(e.config.Get("executor.timeout")); err == nil && timeout > 0 {
		cfg.ExecTimeout = timeout
	}
	if allowed := e.config.Get("executor.allowed.statements"); allowed != "" {
		cfg.AllowedStatements = splitAndTrim(allowed)
	}
	return cfg
}

func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"requests_processed": atomic.LoadInt64(&e.metrics.requestsProcessed),
		"errors":             atomic.LoadInt64(&e.metrics.errors),
	}
}

func (e *Engine) CheckHealth() error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return fmt.Errorf("service not initialized")
	}

	return nil
}

func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
	atomic.AddInt64(&e.metrics.requestsProcessed, 1)
}

func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}

func (e *Engine) trackError() {
	atomic.AddInt64(&e.metrics.errors, 1)
}

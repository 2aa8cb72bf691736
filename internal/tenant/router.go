package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbcove/dbcove/pkg/logger"
)

// PoolExhaustedError indicates a tenant's pool stayed at capacity for
// the whole acquire timeout. Retryable after a delay.
type PoolExhaustedError struct {
	TenantID string
	Timeout  time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for tenant %s exhausted after %s", e.TenantID, e.Timeout)
}

// RouterConfig bounds the router's resource usage
type RouterConfig struct {
	// AcquireTimeout is how long Acquire blocks on a full pool before
	// failing with PoolExhaustedError
	AcquireTimeout time.Duration

	// DefaultPoolSize applies when a tenant's descriptor does not
	// carry its own pool size
	DefaultPoolSize int32
}

// DefaultRouterConfig returns the default router bounds
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AcquireTimeout:  5 * time.Second,
		DefaultPoolSize: 5,
	}
}

// execConn is the slice of a pooled connection the router hands out
type execConn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Release()
	Destroy()
}

// connSource produces and reclaims connections for one tenant
type connSource interface {
	Acquire(ctx context.Context) (execConn, error)
	Close()
}

// Router maps tenant identities to bounded connection pools over
// their relational schemas. It is an explicit registry owned by the
// process; pools are created lazily on first acquire and evicted when
// the tenant lifecycle collaborator reports the tenant non-active.
type Router struct {
	cfg      RouterConfig
	resolver CredentialsResolver
	logger   *logger.Logger

	// replaced in tests
	newSource func(ctx context.Context, desc ConnectionDescriptor) (connSource, error)

	mu    sync.Mutex
	pools map[string]*tenantPool
}

// NewRouter creates a connection router backed by the given resolver
func NewRouter(cfg RouterConfig, resolver CredentialsResolver, log *logger.Logger) *Router {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultRouterConfig().AcquireTimeout
	}
	if cfg.DefaultPoolSize <= 0 {
		cfg.DefaultPoolSize = DefaultRouterConfig().DefaultPoolSize
	}
	return &Router{
		cfg:       cfg,
		resolver:  resolver,
		logger:    log,
		newSource: newPgxSource,
		pools:     make(map[string]*tenantPool),
	}
}

// tenantPool tracks one tenant's connection source and borrow slots.
// The slot channel is the capacity bound: one token per concurrent
// borrow.
type tenantPool struct {
	tenantID string
	source   connSource
	slots    chan struct{}

	mu       sync.Mutex
	borrowed int
	draining bool
	closed   bool
}

// PooledConnection is exclusively borrowed by one in-flight execution
// at a time and must be returned through Router.Release.
type PooledConnection struct {
	tenantID string
	conn     execConn
	pool     *tenantPool

	mu       sync.Mutex
	released bool
	tainted  bool
}

// TenantID returns the tenant the connection is scoped to
func (c *PooledConnection) TenantID() string {
	return c.tenantID
}

// Exec runs a statement on the borrowed connection
func (c *PooledConnection) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

// AssertTenant is a defense-in-depth check that the connection belongs
// to the given tenant. Isolation is enforced structurally (pools are
// keyed by tenant), so a failure here is a programming error.
func (c *PooledConnection) AssertTenant(tenantID string) error {
	if c.tenantID != tenantID {
		return fmt.Errorf("connection for tenant %s handed to request for tenant %s", c.tenantID, tenantID)
	}
	return nil
}

// Taint marks the connection state as unknown (e.g. after a forced
// statement abort). A tainted connection is destroyed on release
// instead of being returned to the pool.
func (c *PooledConnection) Taint() {
	c.mu.Lock()
	c.tainted = true
	c.mu.Unlock()
}

// Acquire borrows a connection from the tenant's pool, creating the
// pool on first use. It blocks while the pool is at capacity and fails
// with PoolExhaustedError once the acquire timeout elapses.
func (r *Router) Acquire(ctx context.Context, tenantID string) (*PooledConnection, error) {
	pool, err := r.poolFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	timeout := time.NewTimer(r.cfg.AcquireTimeout)
	defer timeout.Stop()

	select {
	case pool.slots <- struct{}{}:
	case <-timeout.C:
		return nil, &PoolExhaustedError{TenantID: tenantID, Timeout: r.cfg.AcquireTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := r.checkout(ctx, pool)
	if err != nil {
		<-pool.slots
		return nil, err
	}

	pool.mu.Lock()
	pool.borrowed++
	pool.mu.Unlock()

	return &PooledConnection{tenantID: tenantID, conn: conn, pool: pool}, nil
}

// checkout obtains a live connection from the source. A connection
// that fails the liveness check is discarded and replaced once; the
// replacement is created lazily by the source itself.
func (r *Router) checkout(ctx context.Context, pool *tenantPool) (execConn, error) {
	conn, err := pool.source.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for tenant %s: %w", pool.tenantID, err)
	}
	if err := conn.Ping(ctx); err == nil {
		return conn, nil
	}

	r.logger.Warnf("Discarding dead connection for tenant %s", pool.tenantID)
	conn.Destroy()

	conn, err = pool.source.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire replacement connection for tenant %s: %w", pool.tenantID, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Destroy()
		return nil, fmt.Errorf("replacement connection for tenant %s is dead: %w", pool.tenantID, err)
	}
	return conn, nil
}

// Release returns a borrowed connection to its tenant's pool. Tainted
// connections are destroyed instead. When the pool is draining and
// this was the last borrow, the pool closes.
func (r *Router) Release(conn *PooledConnection) {
	conn.mu.Lock()
	if conn.released {
		conn.mu.Unlock()
		return
	}
	conn.released = true
	tainted := conn.tainted
	conn.mu.Unlock()

	if tainted {
		conn.conn.Destroy()
	} else {
		conn.conn.Release()
	}

	pool := conn.pool
	<-pool.slots

	pool.mu.Lock()
	pool.borrowed--
	drainNow := pool.draining && pool.borrowed == 0 && !pool.closed
	if drainNow {
		pool.closed = true
	}
	pool.mu.Unlock()

	if drainNow {
		pool.source.Close()
		r.logger.Infof("Drained connection pool for tenant %s", pool.tenantID)
	}
}

// Evict removes a tenant's pool. In-flight borrows are not
// interrupted: the pool is marked for drain and its connections close
// when the last borrow is released.
func (r *Router) Evict(tenantID string) {
	r.mu.Lock()
	pool, ok := r.pools[tenantID]
	if ok {
		delete(r.pools, tenantID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	pool.mu.Lock()
	pool.draining = true
	closeNow := pool.borrowed == 0 && !pool.closed
	if closeNow {
		pool.closed = true
	}
	pool.mu.Unlock()

	if closeNow {
		pool.source.Close()
		r.logger.Infof("Evicted connection pool for tenant %s", tenantID)
	} else {
		r.logger.Infof("Marked connection pool for tenant %s for drain-on-release", tenantID)
	}
}

// Close evicts every pool. Used on shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Evict(id)
	}
}

// PoolCount reports how many tenant pools currently exist
func (r *Router) PoolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

func (r *Router) poolFor(ctx context.Context, tenantID string) (*tenantPool, error) {
	r.mu.Lock()
	if pool, ok := r.pools[tenantID]; ok {
		r.mu.Unlock()
		return pool, nil
	}
	r.mu.Unlock()

	// Resolve outside the registry lock; resolution hits the catalog
	desc, err := r.resolver.ResolveCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if desc.PoolSize <= 0 {
		desc.PoolSize = r.cfg.DefaultPoolSize
	}

	source, err := r.newSource(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool for tenant %s: %w", tenantID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[tenantID]; ok {
		// Another request created the pool while we were resolving
		source.Close()
		return pool, nil
	}

	pool := &tenantPool{
		tenantID: tenantID,
		source:   source,
		slots:    make(chan struct{}, desc.PoolSize),
	}
	r.pools[tenantID] = pool
	r.logger.Infof("Created connection pool for tenant %s (size %d)", tenantID, desc.PoolSize)
	return pool, nil
}

// pgxSource adapts a pgxpool.Pool to the connSource interface
type pgxSource struct {
	pool *pgxpool.Pool
}

func newPgxSource(ctx context.Context, desc ConnectionDescriptor) (connSource, error) {
	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	poolConfig.ConnConfig.Host = desc.Host
	poolConfig.ConnConfig.Port = uint16(desc.Port)
	poolConfig.ConnConfig.Database = desc.Database
	poolConfig.ConnConfig.User = desc.User
	poolConfig.ConnConfig.Password = desc.Password
	if desc.SSLMode == "disable" {
		poolConfig.ConnConfig.TLSConfig = nil
	}
	poolConfig.MaxConns = desc.PoolSize

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	return &pgxSource{pool: pool}, nil
}

func (s *pgxSource) Acquire(ctx context.Context) (execConn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (s *pgxSource) Close() {
	s.pool.Close()
}

// pgxConn adapts a pgxpool.Conn to the execConn interface
type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

// Destroy closes the underlying connection before releasing, so the
// pool discards it instead of reusing it
func (c *pgxConn) Destroy() {
	_ = c.conn.Conn().Close(context.Background())
	c.conn.Release()
}

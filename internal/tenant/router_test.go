package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcove/dbcove/pkg/logger"
)

type fakeResolver struct {
	descriptors map[string]ConnectionDescriptor
	err         error
}

func (f *fakeResolver) ResolveCredentials(_ context.Context, tenantID string) (ConnectionDescriptor, error) {
	if f.err != nil {
		return ConnectionDescriptor{}, f.err
	}
	desc, ok := f.descriptors[tenantID]
	if !ok {
		return ConnectionDescriptor{}, ErrUnknownTenant
	}
	return desc, nil
}

type fakeConn struct {
	tenantID  string
	pingErr   error
	released  atomic.Bool
	destroyed atomic.Bool
}

func (c *fakeConn) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }
func (c *fakeConn) Release()                   { c.released.Store(true) }
func (c *fakeConn) Destroy()                   { c.destroyed.Store(true) }

type fakeSource struct {
	tenantID string
	mu       sync.Mutex
	conns    []*fakeConn
	nextPing []error
	closed   atomic.Bool
}

func (s *fakeSource) Acquire(context.Context) (execConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := &fakeConn{tenantID: s.tenantID}
	if len(s.nextPing) > 0 {
		conn.pingErr = s.nextPing[0]
		s.nextPing = s.nextPing[1:]
	}
	s.conns = append(s.conns, conn)
	return conn, nil
}

func (s *fakeSource) Close() { s.closed.Store(true) }

func newTestRouter(t *testing.T, cfg RouterConfig, descriptors map[string]ConnectionDescriptor) (*Router, map[string]*fakeSource) {
	t.Helper()
	sources := make(map[string]*fakeSource)
	var mu sync.Mutex

	router := NewRouter(cfg, &fakeResolver{descriptors: descriptors}, logger.New("router-test", "test"))
	router.newSource = func(_ context.Context, desc ConnectionDescriptor) (connSource, error) {
		mu.Lock()
		defer mu.Unlock()
		src := &fakeSource{tenantID: desc.TenantID}
		sources[desc.TenantID] = src
		return src, nil
	}
	return router, sources
}

func descriptorFor(tenantID string, poolSize int32) ConnectionDescriptor {
	return ConnectionDescriptor{
		TenantID: tenantID,
		Host:     "localhost",
		Port:     5432,
		Database: "tenant_" + tenantID,
		User:     "tenant",
		PoolSize: poolSize,
	}
}

func TestAcquireCreatesPoolLazily(t *testing.T) {
	router, sources := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 2),
	})

	assert.Equal(t, 0, router.PoolCount())

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, router.PoolCount())
	assert.Equal(t, "t1", conn.TenantID())
	require.Contains(t, sources, "t1")

	router.Release(conn)
}

func TestAcquireUnknownTenant(t *testing.T) {
	router, _ := newTestRouter(t, DefaultRouterConfig(), nil)

	_, err := router.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	assert.Equal(t, 0, router.PoolCount())
}

func TestConnectionsAreTenantScoped(t *testing.T) {
	router, _ := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"tenant-a": descriptorFor("tenant-a", 1),
		"tenant-b": descriptorFor("tenant-b", 1),
	})

	connA, err := router.Acquire(context.Background(), "tenant-a")
	require.NoError(t, err)
	connB, err := router.Acquire(context.Background(), "tenant-b")
	require.NoError(t, err)

	assert.NoError(t, connA.AssertTenant("tenant-a"))
	assert.Error(t, connA.AssertTenant("tenant-b"))
	assert.NoError(t, connB.AssertTenant("tenant-b"))

	router.Release(connA)
	router.Release(connB)
}

func TestPoolExhaustion(t *testing.T) {
	cfg := RouterConfig{AcquireTimeout: 50 * time.Millisecond, DefaultPoolSize: 1}
	router, _ := newTestRouter(t, cfg, map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 1),
	})

	first, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	// Pool capacity is 1, so the second borrow must time out
	_, err = router.Acquire(context.Background(), "t1")
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "t1", exhausted.TenantID)

	// After release the slot is free again
	router.Release(first)
	second, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	router.Release(second)
}

func TestConcurrentBorrowersSerializeOnOneSlot(t *testing.T) {
	cfg := RouterConfig{AcquireTimeout: time.Second, DefaultPoolSize: 1}
	router, _ := newTestRouter(t, cfg, map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 1),
	})

	first, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		conn, err := router.Acquire(context.Background(), "t1")
		if err == nil {
			router.Release(conn)
		}
		done <- err
	}()

	// The waiter stays blocked until the first borrow is returned
	select {
	case <-done:
		t.Fatal("second borrower proceeded while pool was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	router.Release(first)
	require.NoError(t, <-done)
}

func TestDeadConnectionIsDiscardedAndReplaced(t *testing.T) {
	router, sources := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 2),
	})

	// Prime the pool so the source exists, then make the next checkout
	// hand out a dead connection first
	warm, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	router.Release(warm)

	src := sources["t1"]
	src.mu.Lock()
	src.nextPing = []error{errors.New("connection reset")}
	src.mu.Unlock()

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	src.mu.Lock()
	dead := src.conns[1]
	replacement := src.conns[2]
	src.mu.Unlock()

	assert.True(t, dead.destroyed.Load(), "dead connection should be discarded")
	assert.False(t, replacement.destroyed.Load())
	router.Release(conn)
	assert.True(t, replacement.released.Load())
}

func TestTaintedConnectionIsDestroyedOnRelease(t *testing.T) {
	router, sources := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 1),
	})

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	conn.Taint()
	router.Release(conn)

	src := sources["t1"]
	src.mu.Lock()
	underlying := src.conns[0]
	src.mu.Unlock()

	assert.True(t, underlying.destroyed.Load())
	assert.False(t, underlying.released.Load())
}

func TestEvictIdlePoolClosesImmediately(t *testing.T) {
	router, sources := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 1),
	})

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	router.Release(conn)

	router.Evict("t1")
	assert.Equal(t, 0, router.PoolCount())
	assert.True(t, sources["t1"].closed.Load())
}

func TestEvictDrainsOnRelease(t *testing.T) {
	router, sources := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 2),
	})

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	// Eviction with a borrow in flight must not close the source yet
	router.Evict("t1")
	assert.Equal(t, 0, router.PoolCount())
	assert.False(t, sources["t1"].closed.Load())

	router.Release(conn)
	assert.True(t, sources["t1"].closed.Load())
}

func TestReleaseIsIdempotent(t *testing.T) {
	router, _ := newTestRouter(t, DefaultRouterConfig(), map[string]ConnectionDescriptor{
		"t1": descriptorFor("t1", 1),
	})

	conn, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	router.Release(conn)
	router.Release(conn)

	// The single slot must be usable again exactly once
	again, err := router.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	router.Release(again)
}

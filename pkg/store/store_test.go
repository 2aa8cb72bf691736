package store

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcove/dbcove/pkg/keys"
	"github.com/dbcove/dbcove/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port

	kb, err := keys.NewBuilder("store-test")
	require.NoError(t, err)

	log := logger.New("store-test", "test")
	log.DisableConsoleOutput()

	st, err := Connect(context.Background(), cfg, kb, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st, mr
}

func TestSetGetWithTTL(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "session", StringValue("v"), 5*time.Second))

	value, found, err := st.Get(ctx, "session")
	require.NoError(t, err)
	require.True(t, found, "value must be readable before the TTL elapses")
	assert.Equal(t, "v", value.Text())

	// Past the TTL the key is gone, absence is not an error
	mr.FastForward(6 * time.Second)

	_, found, err = st.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetWithoutTTLPersists(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "descriptor", StringValue("d"), 0))

	mr.FastForward(24 * time.Hour)

	value, found, err := st.Get(ctx, "descriptor")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d", value.Text())
}

func TestGetMissingKeyIsAbsentNotError(t *testing.T) {
	st, _ := newTestStore(t)

	_, found, err := st.Get(context.Background(), "never-written")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTenantScopedKeysDoNotCollide(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "last-status", StringValue("success"), 0, keys.WithTenant("t1")))
	require.NoError(t, st.Set(ctx, "last-status", StringValue("failure"), 0, keys.WithTenant("t2")))
	require.NoError(t, st.Set(ctx, "last-status", StringValue("global"), 0))

	v1, found, err := st.Get(ctx, "last-status", keys.WithTenant("t1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "success", v1.Text())

	v2, found, err := st.Get(ctx, "last-status", keys.WithTenant("t2"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "failure", v2.Text())

	global, found, err := st.Get(ctx, "last-status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "global", global.Text())

	// The same identifier as a namespace addresses yet another key
	_, found, err = st.Get(ctx, "last-status", keys.WithNamespace("t1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrementAndExpire(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	count, err := st.Increment(ctx, "exec-count.2026-08-28", keys.WithTenant("t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = st.Increment(ctx, "exec-count.2026-08-28", keys.WithTenant("t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	set, err := st.Expire(ctx, "exec-count.2026-08-28", time.Minute, keys.WithTenant("t1"))
	require.NoError(t, err)
	assert.True(t, set)

	mr.FastForward(2 * time.Minute)

	_, found, err := st.Get(ctx, "exec-count.2026-08-28", keys.WithTenant("t1"))
	require.NoError(t, err)
	assert.False(t, found)
}

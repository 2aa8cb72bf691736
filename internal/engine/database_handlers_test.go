package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcove/dbcove/internal/query"
	"github.com/dbcove/dbcove/internal/tenant"
	"github.com/dbcove/dbcove/pkg/config"
	"github.com/dbcove/dbcove/pkg/logger"
)

type stubConn struct {
	tenantID string
	tag      pgconn.CommandTag
	execErr  error
}

func (c *stubConn) Exec(_ context.Context, _ string, _ ...interface{}) (pgconn.CommandTag, error) {
	return c.tag, c.execErr
}

func (c *stubConn) AssertTenant(tenantID string) error {
	if c.tenantID != tenantID {
		return errors.New("tenant mismatch")
	}
	return nil
}

func (c *stubConn) Taint() {}

type stubRouter struct {
	acquireErr error
}

func (r *stubRouter) Acquire(_ context.Context, tenantID string) (query.Conn, error) {
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	return &stubConn{tenantID: tenantID, tag: pgconn.NewCommandTag("UPDATE 3")}, nil
}

func (r *stubRouter) Release(query.Conn) {}

type memRecorder struct {
	records   []query.ExecutionRecord
	appendErr error
}

func (m *memRecorder) Append(_ context.Context, record query.ExecutionRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, record)
	return nil
}

func newTestEngine(t *testing.T, router query.Router) *Engine {
	return newTestEngineWithRecorder(t, router, &memRecorder{})
}

func newTestEngineWithRecorder(t *testing.T, router query.Router, recorder query.Recorder) *Engine {
	t.Helper()
	e := NewEngine(config.New())
	e.SetLogger(logger.New("engine-test", "test"))
	e.logger.DisableConsoleOutput()
	e.executor = query.NewExecutor(query.DefaultConfig(), router, recorder, e.logger)
	return e
}

func newTestRequest(method, target string, body interface{}, vars map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func TestExecuteQueryHandler(t *testing.T) {
	t.Run("successful execution", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{})
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/t1/execute",
			ExecuteQueryRequest{Query: "UPDATE items SET done = true"},
			map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var response ExecuteQueryResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.True(t, response.Success)
		require.NotNil(t, response.RowsAffected)
		assert.Equal(t, int64(3), *response.RowsAffected)
		assert.Empty(t, response.Error)
	})

	t.Run("invalid query returns 400", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{})
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/t1/execute",
			ExecuteQueryRequest{Query: "   "},
			map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var response ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, "Invalid query", response.Error)
	})

	t.Run("unknown tenant returns 404", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{acquireErr: tenant.ErrUnknownTenant})
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/ghost/execute",
			ExecuteQueryRequest{Query: "SELECT 1"},
			map[string]string{"tenant_id": "ghost"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("suspended tenant returns 404", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{acquireErr: tenant.ErrTenantNotActive})
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/t1/execute",
			ExecuteQueryRequest{Query: "SELECT 1"},
			map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("exhausted pool returns 503", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{
			acquireErr: &tenant.PoolExhaustedError{TenantID: "t1", Timeout: time.Second},
		})
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/t1/execute",
			ExecuteQueryRequest{Query: "SELECT 1"},
			map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("infrastructure failure returns 500 without internal detail", func(t *testing.T) {
		recorder := &memRecorder{
			appendErr: errors.New(`failed to connect to host=10.0.0.5 password=hunter2: connection refused`),
		}
		engine := newTestEngineWithRecorder(t, &stubRouter{}, recorder)
		handler := NewDatabaseHandlers(engine)

		req := newTestRequest(http.MethodPost, "/database/t1/execute",
			ExecuteQueryRequest{Query: "SELECT 1"},
			map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := rec.Body.String()
		assert.NotContains(t, body, "hunter2")
		assert.NotContains(t, body, "10.0.0.5")
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, internalErrorMessage, response.Message)
	})

	t.Run("malformed body returns 400", func(t *testing.T) {
		engine := newTestEngine(t, &stubRouter{})
		handler := NewDatabaseHandlers(engine)

		req := httptest.NewRequest(http.MethodPost, "/database/t1/execute",
			bytes.NewBufferString("{not json"))
		req = mux.SetURLVars(req, map[string]string{"tenant_id": "t1"})
		rec := httptest.NewRecorder()

		handler.ExecuteQuery(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestValidateQueryHandler(t *testing.T) {
	engine := newTestEngine(t, &stubRouter{})
	handler := NewDatabaseHandlers(engine)

	t.Run("valid query", func(t *testing.T) {
		req := newTestRequest(http.MethodPost, "/database/validate",
			ValidateQueryRequest{Query: "SELECT 1"}, nil)
		rec := httptest.NewRecorder()

		handler.ValidateQuery(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var response ValidateQueryResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.True(t, response.Valid)
		assert.Empty(t, response.Reason)
	})

	t.Run("invalid query is a 200 with a verdict", func(t *testing.T) {
		req := newTestRequest(http.MethodPost, "/database/validate",
			ValidateQueryRequest{Query: ""}, nil)
		rec := httptest.NewRecorder()

		handler.ValidateQuery(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var response ValidateQueryResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.False(t, response.Valid)
		assert.NotEmpty(t, response.Reason)
	})
}

func TestGetHistoryHandlerParamValidation(t *testing.T) {
	engine := newTestEngine(t, &stubRouter{})
	handler := NewDatabaseHandlers(engine)

	tests := []struct {
		name   string
		target string
	}{
		{"zero page", "/database/t1/history?page=0"},
		{"negative page", "/database/t1/history?page=-2"},
		{"non-numeric page", "/database/t1/history?page=abc"},
		{"zero limit", "/database/t1/history?limit=0"},
		{"oversized limit", "/database/t1/history?limit=5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestRequest(http.MethodGet, tt.target, nil,
				map[string]string{"tenant_id": "t1"})
			rec := httptest.NewRecorder()

			handler.GetHistory(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCleanupHistoryHandlerParamValidation(t *testing.T) {
	engine := newTestEngine(t, &stubRouter{})
	handler := NewDatabaseHandlers(engine)

	tests := []struct {
		name   string
		target string
	}{
		{"no policy", "/database/history/cleanup"},
		{"both policies", "/database/history/cleanup?max_age_days=30&max_per_tenant=100"},
		{"zero age", "/database/history/cleanup?max_age_days=0"},
		{"negative count", "/database/history/cleanup?max_per_tenant=-1"},
		{"non-numeric age", "/database/history/cleanup?max_age_days=soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestRequest(http.MethodDelete, tt.target, nil, nil)
			rec := httptest.NewRecorder()

			handler.CleanupHistory(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

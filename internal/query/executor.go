package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dbcove/dbcove/internal/tenant"
	"github.com/dbcove/dbcove/pkg/logger"
)

// ValidationError indicates the query text was rejected before any
// connection was acquired. Not retried; the reason is surfaced
// verbatim to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

// Config bounds query execution. The allowed-statement set is a
// deployment policy, not a hardcoded restriction: the platform's
// purpose is flexible ad-hoc SQL access.
type Config struct {
	// MaxQueryLength is the maximum accepted query text length in
	// characters
	MaxQueryLength int

	// ExecTimeout is the hard per-statement timeout
	ExecTimeout time.Duration

	// AllowedStatements restricts execution to statements whose
	// leading keyword is in the set (case-insensitive). Empty means
	// no restriction.
	AllowedStatements []string
}

// DefaultConfig returns the default execution bounds
func DefaultConfig() Config {
	return Config{
		MaxQueryLength: 50000,
		ExecTimeout:    30 * time.Second,
	}
}

// ExecutionResult is the structured outcome of one execute call
type ExecutionResult struct {
	RecordID     string
	Success      bool
	RowsAffected int64
	DurationMs   int64
	Error        string
}

// ValidationResult is the outcome of a pre-flight validation
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Conn is the borrowed tenant connection the executor runs on
type Conn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	AssertTenant(tenantID string) error
	Taint()
}

// Router supplies tenant-scoped pooled connections
type Router interface {
	Acquire(ctx context.Context, tenantID string) (Conn, error)
	Release(conn Conn)
}

// Recorder persists execution records
type Recorder interface {
	Append(ctx context.Context, record ExecutionRecord) error
}

// Notifier observes completed executions, e.g. to update
// cache-adjacent state or feed live streams. Never invoked for
// rejected (invalid) queries.
type Notifier interface {
	RecordExecuted(ctx context.Context, record ExecutionRecord)
}

// TenantRouter adapts the connection router to the executor's Router
// interface
type TenantRouter struct {
	router *tenant.Router
}

// NewTenantRouter wraps a tenant connection router
func NewTenantRouter(router *tenant.Router) *TenantRouter {
	return &TenantRouter{router: router}
}

func (t *TenantRouter) Acquire(ctx context.Context, tenantID string) (Conn, error) {
	conn, err := t.router.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *TenantRouter) Release(conn Conn) {
	if pooled, ok := conn.(*tenant.PooledConnection); ok {
		t.router.Release(pooled)
	}
}

// Executor runs tenant-scoped ad-hoc SQL. Each execution moves through
// received, validated, executing and a terminal state; every terminal
// state produced by an acquired connection appends exactly one record
// to the history ledger before the result is returned.
//
// The executor performs no authorization: callers must already be
// authorized for the tenant they pass in. That trust boundary lives
// upstream.
type Executor struct {
	cfg      Config
	router   Router
	recorder Recorder
	notifier Notifier
	logger   *logger.Logger
}

// NewExecutor creates a query executor
func NewExecutor(cfg Config, router Router, recorder Recorder, log *logger.Logger) *Executor {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultConfig().MaxQueryLength
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	return &Executor{
		cfg:      cfg,
		router:   router,
		recorder: recorder,
		logger:   log,
	}
}

// SetNotifier attaches an execution observer
func (e *Executor) SetNotifier(notifier Notifier) {
	e.notifier = notifier
}

// ValidateOnly runs the validation stage without acquiring a
// connection or touching the ledger. Used for pre-flight checks.
func (e *Executor) ValidateOnly(queryText string) ValidationResult {
	if err := e.validate(queryText); err != nil {
		var invalid *ValidationError
		if errors.As(err, &invalid) {
			return ValidationResult{Valid: false, Reason: invalid.Reason}
		}
		return ValidationResult{Valid: false, Reason: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// Execute validates the query, runs it against the tenant's schema
// and appends the outcome to the history ledger. Invalid queries are
// rejected before a connection is acquired and leave no history
// entry; executed queries always leave exactly one, success or
// failure.
func (e *Executor) Execute(ctx context.Context, tenantID, queryText string) (ExecutionResult, error) {
	if err := e.validate(queryText); err != nil {
		return ExecutionResult{}, err
	}

	conn, err := e.router.Acquire(ctx, tenantID)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer e.router.Release(conn)

	// Structural isolation is the pool key; this is the
	// defense-in-depth assertion on top of it
	if err := conn.AssertTenant(tenantID); err != nil {
		return ExecutionResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	started := time.Now()
	tag, execErr := conn.Exec(execCtx, queryText)
	duration := time.Since(started)

	timedOut := execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	if timedOut {
		// The statement was aborted mid-flight; the connection state
		// is unknown, so it must not return to the pool
		conn.Taint()
	}

	record := ExecutionRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		QueryText:  queryText,
		ExecutedAt: started.UTC(),
		DurationMs: duration.Milliseconds(),
	}

	if execErr != nil {
		record.Success = false
		record.ErrorMessage = sanitizeError(execErr, timedOut)
		e.logger.Warnf("Query execution failed for tenant %s: %s", tenantID, record.ErrorMessage)
	} else {
		record.Success = true
		record.RowsAffected = tag.RowsAffected()
	}

	// The outcome must be durable before the result is returned, so a
	// crash between execution and response still leaves an audit
	// record
	if err := e.recorder.Append(ctx, record); err != nil {
		return ExecutionResult{}, fmt.Errorf("execution completed but history append failed: %w", err)
	}

	if e.notifier != nil {
		e.notifier.RecordExecuted(ctx, record)
	}

	return ExecutionResult{
		RecordID:     record.ID,
		Success:      record.Success,
		RowsAffected: record.RowsAffected,
		DurationMs:   record.DurationMs,
		Error:        record.ErrorMessage,
	}, nil
}

func (e *Executor) validate(queryText string) error {
	if strings.TrimSpace(queryText) == "" {
		return &ValidationError{Reason: "query text is empty"}
	}
	// The bound is in characters, not bytes, so multibyte text is not
	// penalized for its encoding
	if utf8.RuneCountInString(queryText) > e.cfg.MaxQueryLength {
		return &ValidationError{Reason: fmt.Sprintf("query text exceeds maximum length of %d characters", e.cfg.MaxQueryLength)}
	}
	if len(e.cfg.AllowedStatements) > 0 {
		keyword := leadingKeyword(queryText)
		if !e.statementAllowed(keyword) {
			return &ValidationError{Reason: fmt.Sprintf("statement type %q is not permitted by deployment policy", keyword)}
		}
	}
	return nil
}

func (e *Executor) statementAllowed(keyword string) bool {
	for _, allowed := range e.cfg.AllowedStatements {
		if strings.EqualFold(allowed, keyword) {
			return true
		}
	}
	return false
}

// leadingKeyword returns the first SQL keyword of the statement,
// skipping whitespace and comments
func leadingKeyword(queryText string) string {
	rest := strings.TrimSpace(queryText)
	for {
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+1:])
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+2:])
		default:
			rest = strings.TrimLeft(rest, "( \t\n\r")
			end := strings.IndexFunc(rest, func(r rune) bool {
				return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
			})
			if end < 0 {
				return strings.ToUpper(rest)
			}
			return strings.ToUpper(rest[:end])
		}
	}
}

package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// Credentials embedded in connection URLs or DSN fragments
	urlCredentials = regexp.MustCompile(`postgres(ql)?://[^@\s]+@`)
	dsnPassword    = regexp.MustCompile(`password=\S+`)
	// Absolute filesystem paths occasionally leak through driver errors
	absolutePath = regexp.MustCompile(`(/[\w.-]+){2,}`)
)

// sanitizeError turns an execution failure into a message safe to
// return to callers and persist in the history: no credentials, hosts
// or internal paths.
func sanitizeError(err error, timeout bool) string {
	if timeout {
		return "query cancelled: execution timeout exceeded"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Server-reported errors carry only the statement-level
		// message and SQLSTATE
		return fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}

	if errors.Is(err, context.Canceled) {
		return "query cancelled"
	}

	msg := err.Error()
	msg = urlCredentials.ReplaceAllString(msg, "postgres://[redacted]@")
	msg = dsnPassword.ReplaceAllString(msg, "password=[redacted]")
	msg = absolutePath.ReplaceAllString(msg, "[path]")
	return msg
}

package engine

import (
	"strings"

	"github.com/dbcove/dbcove/internal/query"
)

// Status represents the status of an operation
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusError     Status = "error"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// ExecuteQueryRequest is the body of POST /database/{tenant_id}/execute
type ExecuteQueryRequest struct {
	Query string `json:"query"`
}

// ExecuteQueryResponse is the outcome of one execution attempt
type ExecuteQueryResponse struct {
	Success      bool   `json:"success"`
	RowsAffected *int64 `json:"rows_affected,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// ValidateQueryRequest is the body of POST /database/validate
type ValidateQueryRequest struct {
	Query string `json:"query"`
}

// ValidateQueryResponse is a pre-flight validation verdict
type ValidateQueryResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// QueryHistoryRecord is the listing shape of one execution record.
// The query text is a bounded preview; the full text stays in the
// ledger for audit.
type QueryHistoryRecord struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	QueryText    string `json:"query_text"`
	Truncated    bool   `json:"truncated,omitempty"`
	ExecutedAt   string `json:"executed_at"`
	DurationMs   int64  `json:"duration_ms"`
	RowsAffected int64  `json:"rows_affected"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// QueryHistoryResponse is a page of a tenant's execution history,
// newest first
type QueryHistoryResponse struct {
	Records []QueryHistoryRecord `json:"records"`
	Page    int                  `json:"page"`
	Limit   int                  `json:"limit"`
}

// CleanupResponse reports how many history records retention removed
type CleanupResponse struct {
	Deleted int64  `json:"deleted"`
	Policy  string `json:"policy"`
}

// HealthResponse is the health endpoint body
type HealthResponse struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// queryPreviewLength bounds the query text in listing and streaming
// paths. Presentation only: the ledger keeps the full text.
const queryPreviewLength = 200

func truncateQuery(text string) (string, bool) {
	runes := []rune(text)
	if len(runes) <= queryPreviewLength {
		return text, false
	}
	return string(runes[:queryPreviewLength]) + "…", true
}

func toHistoryRecord(record query.ExecutionRecord) QueryHistoryRecord {
	preview, truncated := truncateQuery(record.QueryText)
	return QueryHistoryRecord{
		ID:           record.ID,
		TenantID:     record.TenantID,
		QueryText:    preview,
		Truncated:    truncated,
		ExecutedAt:   record.ExecutedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		DurationMs:   record.DurationMs,
		RowsAffected: record.RowsAffected,
		Success:      record.Success,
		Error:        record.ErrorMessage,
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

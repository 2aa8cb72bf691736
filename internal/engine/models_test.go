package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dbcove/dbcove/internal/query"
)

func TestTruncateQuery(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		text, truncated := truncateQuery("SELECT 1")
		assert.Equal(t, "SELECT 1", text)
		assert.False(t, truncated)
	})

	t.Run("long text is bounded", func(t *testing.T) {
		long := "SELECT '" + strings.Repeat("x", 500) + "'"
		text, truncated := truncateQuery(long)
		assert.True(t, truncated)
		assert.Equal(t, queryPreviewLength+1, len([]rune(text)))
		assert.True(t, strings.HasSuffix(text, "…"))
	})

	t.Run("multibyte text is not split mid-rune", func(t *testing.T) {
		long := strings.Repeat("ü", 300)
		text, truncated := truncateQuery(long)
		assert.True(t, truncated)
		assert.Equal(t, strings.Repeat("ü", queryPreviewLength)+"…", text)
	})
}

func TestToHistoryRecord(t *testing.T) {
	record := query.ExecutionRecord{
		ID:           "r1",
		TenantID:     "t1",
		QueryText:    strings.Repeat("a", 300),
		ExecutedAt:   time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		DurationMs:   42,
		RowsAffected: 7,
		Success:      true,
	}

	dto := toHistoryRecord(record)
	assert.Equal(t, "r1", dto.ID)
	assert.Equal(t, "t1", dto.TenantID)
	assert.True(t, dto.Truncated)
	assert.Len(t, []rune(dto.QueryText), queryPreviewLength+1)
	assert.Equal(t, "2025-06-01T12:30:00.000Z", dto.ExecutedAt)
	assert.Equal(t, int64(42), dto.DurationMs)
	assert.Equal(t, int64(7), dto.RowsAffected)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"SELECT", "INSERT"}, splitAndTrim(" SELECT , INSERT "))
	assert.Equal(t, []string{"SELECT"}, splitAndTrim("SELECT,,"))
	assert.Empty(t, splitAndTrim("  ,  "))
}

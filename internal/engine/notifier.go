package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dbcove/dbcove/internal/query"
	"github.com/dbcove/dbcove/pkg/keys"
	"github.com/dbcove/dbcove/pkg/logger"
	"github.com/dbcove/dbcove/pkg/store"
)

const (
	// executionsChannel carries completed execution records for live
	// history streaming, one channel per tenant
	executionsChannel = "executions"

	// lastStatusKey caches each tenant's most recent execution outcome
	lastStatusKey = "last-status"
	lastStatusTTL = 24 * time.Hour

	// execCounterKey counts executions per tenant per UTC day
	execCounterKey = "exec-count"
	execCounterTTL = 48 * time.Hour
)

// StoreNotifier publishes completed executions to the resource store:
// a last-status marker, a daily execution counter and a live event on
// the tenant's executions channel. All of it is best-effort advisory
// state; failures are logged, never surfaced to the caller.
type StoreNotifier struct {
	store  *store.Store
	logger *logger.Logger
}

func NewStoreNotifier(st *store.Store, log *logger.Logger) *StoreNotifier {
	return &StoreNotifier{
		store:  st,
		logger: log,
	}
}

func (n *StoreNotifier) RecordExecuted(ctx context.Context, record query.ExecutionRecord) {
	tenantOpt := keys.WithTenant(record.TenantID)

	status := "success"
	if !record.Success {
		status = "failure"
	}
	if err := n.store.Set(ctx, lastStatusKey, store.StringValue(status), lastStatusTTL, tenantOpt); err != nil {
		n.logger.Warnf("Failed to cache last execution status for tenant %s: %v", record.TenantID, err)
	}

	day := record.ExecutedAt.UTC().Format("2006-01-02")
	counterKey := execCounterKey + "." + day
	count, err := n.store.Increment(ctx, counterKey, tenantOpt)
	if err != nil {
		n.logger.Warnf("Failed to increment execution counter for tenant %s: %v", record.TenantID, err)
	} else if count == 1 {
		// First execution of the day creates the key; bound its lifetime
		if _, err := n.store.Expire(ctx, counterKey, execCounterTTL, tenantOpt); err != nil {
			n.logger.Warnf("Failed to set execution counter TTL for tenant %s: %v", record.TenantID, err)
		}
	}

	payload, err := json.Marshal(toHistoryRecord(record))
	if err != nil {
		n.logger.Errorf("Failed to marshal execution event for tenant %s: %v", record.TenantID, err)
		return
	}
	if err := n.store.Publish(ctx, executionsChannel, payload, tenantOpt); err != nil {
		n.logger.Warnf("Failed to publish execution event for tenant %s: %v", record.TenantID, err)
	}
}

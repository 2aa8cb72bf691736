package tenant

import (
	"context"
	"encoding/json"

	"github.com/dbcove/dbcove/pkg/logger"
	"github.com/dbcove/dbcove/pkg/store"
)

// LifecycleChannel is the logical pub/sub channel the tenant-management
// collaborator publishes status changes on
const LifecycleChannel = "tenants-lifecycle"

// LifecycleEvent is a tenant status notification
type LifecycleEvent struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// WatchLifecycle subscribes to tenant lifecycle notifications and
// evicts the router's pool whenever a tenant leaves the active state.
// The returned subscription must be cancelled on shutdown.
func WatchLifecycle(ctx context.Context, st *store.Store, router *Router, log *logger.Logger) (*store.Subscription, error) {
	return st.Subscribe(ctx, LifecycleChannel, func(payload []byte) {
		var event LifecycleEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Warnf("Ignoring malformed tenant lifecycle event: %v", err)
			return
		}
		if event.TenantID == "" {
			log.Warn("Ignoring tenant lifecycle event without tenant_id")
			return
		}

		if event.Status != StatusActive {
			log.Infof("Tenant %s is now %s, evicting connection pool", event.TenantID, event.Status)
			router.Evict(event.TenantID)
		}
	})
}

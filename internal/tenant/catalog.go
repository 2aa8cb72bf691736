// Package tenant maps tenant identities to their isolated relational
// schemas: credentials resolution from the platform catalog, bounded
// per-tenant connection pools, and lifecycle-driven pool eviction.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dbcove/dbcove/pkg/database"
	"github.com/dbcove/dbcove/pkg/logger"
)

// Tenant status values as delivered by the tenant-management
// collaborator
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// ErrUnknownTenant indicates the tenant does not exist in the catalog
var ErrUnknownTenant = errors.New("unknown tenant")

// ErrTenantNotActive indicates the tenant exists but is suspended or
// deactivated and must not be routed to
var ErrTenantNotActive = errors.New("tenant is not active")

// ConnectionDescriptor is the per-tenant relational target. It lives
// as long as the tenant does and is evicted from the router on
// suspension or deletion.
type ConnectionDescriptor struct {
	TenantID string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	PoolSize int32
}

// CredentialsResolver resolves the connection target for a tenant's
// schema. Provided by tenant-provisioning logic.
type CredentialsResolver interface {
	ResolveCredentials(ctx context.Context, tenantID string) (ConnectionDescriptor, error)
}

// Catalog resolves tenants against the platform catalog database
type Catalog struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewCatalog creates a catalog-backed resolver
func NewCatalog(db *database.PostgreSQL, logger *logger.Logger) *Catalog {
	return &Catalog{
		db:     db,
		logger: logger,
	}
}

// Info is the catalog row for a tenant
type Info struct {
	ID      string
	Name    string
	Status  string
	Created time.Time
	Updated time.Time
}

// Get retrieves a tenant by ID
func (c *Catalog) Get(ctx context.Context, tenantID string) (*Info, error) {
	query := `
		SELECT tenant_id, tenant_name, status, created, updated
		FROM tenants
		WHERE tenant_id = $1
	`

	var info Info
	err := c.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&info.ID,
		&info.Name,
		&info.Status,
		&info.Created,
		&info.Updated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownTenant
		}
		c.logger.Errorf("Failed to get tenant %s: %v", tenantID, err)
		return nil, err
	}

	return &info, nil
}

// Exists checks if a tenant with the given ID exists
func (c *Catalog) Exists(ctx context.Context, tenantID string) (bool, error) {
	query := `
		SELECT EXISTS(SELECT 1 FROM tenants WHERE tenant_id = $1)
	`

	var exists bool
	err := c.db.Pool().QueryRow(ctx, query, tenantID).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// ResolveCredentials returns the connection descriptor for an active
// tenant's schema. Suspended and deactivated tenants are not routable.
func (c *Catalog) ResolveCredentials(ctx context.Context, tenantID string) (ConnectionDescriptor, error) {
	query := `
		SELECT tenant_id, status, db_host, db_port, db_name, db_user, db_password, db_sslmode, pool_size
		FROM tenants
		WHERE tenant_id = $1
	`

	var desc ConnectionDescriptor
	var status string
	err := c.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&desc.TenantID,
		&status,
		&desc.Host,
		&desc.Port,
		&desc.Database,
		&desc.User,
		&desc.Password,
		&desc.SSLMode,
		&desc.PoolSize,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConnectionDescriptor{}, ErrUnknownTenant
		}
		c.logger.Errorf("Failed to resolve credentials for tenant %s: %v", tenantID, err)
		return ConnectionDescriptor{}, fmt.Errorf("failed to resolve tenant credentials: %w", err)
	}

	if status != StatusActive {
		return ConnectionDescriptor{}, ErrTenantNotActive
	}

	return desc, nil
}

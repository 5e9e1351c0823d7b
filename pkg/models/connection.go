package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionType identifies how a source system delivers events.
type ConnectionType string

const (
	ConnectionTypeWebhook ConnectionType = "webhook"
)

type ConnectionStatus string

const (
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusInactive ConnectionStatus = "inactive"
)

// SourceConnection is one external data source registered by a tenant admin.
type SourceConnection struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	TenantID  uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	Type      ConnectionType   `db:"type" json:"type"`
	Name      string           `db:"name" json:"name"`
	Status    ConnectionStatus `db:"status" json:"status"`
	TokenHash *string          `db:"token_hash" json:"-"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`

	// IsReadOnlyTenant is joined from the owning tenant.
	IsReadOnlyTenant bool `db:"is_read_only_tenant" json:"-"`
}

func (c *SourceConnection) IsActive() bool {
	return c.Status == ConnectionStatusActive
}

// ConnectionContext is the identity resolved once per ingestion request and threaded
// explicitly through every downstream call.
type ConnectionContext struct {
	TenantID         uuid.UUID
	ConnectionID     uuid.UUID
	IsReadOnlyTenant bool
	// Via records how the request authenticated: "bearer" or "session".
	Via string
}

// AdminRoles may push events through a session instead of a bearer token.
var AdminRoles = []string{"owner", "admin"}

package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the lifecycle state of a provider connection.
type ConnectionStatus string

const (
	StatusPendingAccountSelection ConnectionStatus = "pending_account_selection"
	StatusActive                  ConnectionStatus = "active"
	StatusNeedsReauth             ConnectionStatus = "needs_reauth"
	StatusDisconnected            ConnectionStatus = "disconnected"
)

// Token types. System user tokens never expire and are never refreshed.
const (
	TokenTypeUser       = "user"
	TokenTypeLongLived  = "long_lived"
	TokenTypeSystemUser = "system_user"
	TokenTypeBusiness   = "business"
)

// NonExpiring reports whether tokens of this type are exempt from refresh.
func NonExpiring(tokenType string) bool {
	return tokenType == TokenTypeSystemUser || tokenType == TokenTypeBusiness
}

// Connection represents the provider_connections table. There is one row per (tenant, provider).
// Token columns only ever hold ciphertext.
type Connection struct {
	ID                    uuid.UUID        `json:"id"`
	TenantID              string           `json:"tenant_id"`
	Provider              string           `json:"provider"`
	AccessTokenEncrypted  string           `json:"-"`
	RefreshTokenEncrypted string           `json:"-"`
	TokenExpiresAt        *time.Time       `json:"token_expires_at,omitempty"`
	TokenType             string           `json:"token_type"`
	Scopes                []string         `json:"scopes"`
	SelectedAccountID     string           `json:"selected_account_id,omitempty"`
	SelectedAccountName   string           `json:"selected_account_name,omitempty"`
	Metadata              map[string]any   `json:"metadata,omitempty"`
	Status                ConnectionStatus `json:"status"`
	NeedsReauth           bool             `json:"needs_reauth"`
	LastError             string           `json:"last_error,omitempty"`
	LastUsedAt            *time.Time       `json:"last_used_at,omitempty"`
	ConnectedAt           time.Time        `json:"connected_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Account is a provider-side ad account, customer or workspace the tenant may select.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// TokenUpdate carries the encrypted result of a token refresh.
type TokenUpdate struct {
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	ExpiresAt             *time.Time
	TokenType             string
}

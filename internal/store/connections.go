package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/teresa-solution/integration-service/internal/model"
)

const connectionColumns = `id, tenant_id, provider, access_token_encrypted, refresh_token_encrypted,
	token_expires_at, token_type, scopes, selected_account_id, selected_account_name, metadata,
	status, needs_reauth, last_error, last_used_at, connected_at, updated_at`

// ConnectionRepository stores provider connections, one row per (tenant_id, provider).
type ConnectionRepository struct {
	db *DB
}

// NewConnectionRepository returns a repository over db.
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

func scanConnection(row pgx.Row) (*model.Connection, error) {
	var (
		c            model.Connection
		refresh      *string
		accountID    *string
		accountName  *string
		lastError    *string
		metadataJSON []byte
		status       string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Provider, &c.AccessTokenEncrypted, &refresh,
		&c.TokenExpiresAt, &c.TokenType, &c.Scopes, &accountID, &accountName, &metadataJSON,
		&status, &c.NeedsReauth, &lastError, &c.LastUsedAt, &c.ConnectedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.RefreshTokenEncrypted = deref(refresh)
	c.SelectedAccountID = deref(accountID)
	c.SelectedAccountName = deref(accountName)
	c.LastError = deref(lastError)
	c.Status = model.ConnectionStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode connection metadata: %w", err)
		}
	}
	return &c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Upsert writes the connection in a single INSERT ... ON CONFLICT so two concurrent
// callbacks for the same tenant and provider cannot both insert.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *model.Connection) error {
	metadata, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("encode connection metadata: %w", err)
	}
	if conn.Scopes == nil {
		conn.Scopes = []string{}
	}

	query := `INSERT INTO provider_connections (tenant_id, provider, access_token_encrypted, refresh_token_encrypted,
		token_expires_at, token_type, scopes, selected_account_id, selected_account_name, metadata,
		status, needs_reauth, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, NULL)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_expires_at = EXCLUDED.token_expires_at,
			token_type = EXCLUDED.token_type,
			scopes = EXCLUDED.scopes,
			selected_account_id = EXCLUDED.selected_account_id,
			selected_account_name = EXCLUDED.selected_account_name,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			needs_reauth = false,
			last_error = NULL,
			updated_at = now()
		RETURNING id, connected_at, updated_at`

	return r.db.withTenant(ctx, conn.TenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, conn.TenantID, conn.Provider, conn.AccessTokenEncrypted,
			nullable(conn.RefreshTokenEncrypted), conn.TokenExpiresAt, conn.TokenType, conn.Scopes,
			nullable(conn.SelectedAccountID), nullable(conn.SelectedAccountName), metadata, string(conn.Status),
		).Scan(&conn.ID, &conn.ConnectedAt, &conn.UpdatedAt)
	})
}

// Get returns (nil, nil) when the tenant has no connection to provider.
func (r *ConnectionRepository) Get(ctx context.Context, tenantID, provider string) (*model.Connection, error) {
	var conn *model.Connection
	err := r.db.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		c, err := scanConnection(tx.QueryRow(ctx,
			`SELECT `+connectionColumns+` FROM provider_connections WHERE tenant_id = $1 AND provider = $2`,
			tenantID, provider))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		conn = c
		return err
	})
	return conn, err
}

func (r *ConnectionRepository) exec(ctx context.Context, tenantID, query string, args ...any) error {
	return r.db.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConnectionNotFound
		}
		return nil
	})
}

// SelectAccount stores the chosen account and activates the connection. A connection
// that needs re-authorization matches no row and yields ErrConnectionNotFound.
func (r *ConnectionRepository) SelectAccount(ctx context.Context, tenantID, provider string, account model.Account) error {
	return r.exec(ctx, tenantID,
		`UPDATE provider_connections SET selected_account_id = $3, selected_account_name = $4,
			status = 'active', updated_at = now()
		WHERE tenant_id = $1 AND provider = $2
			AND NOT needs_reauth AND status IN ('pending_account_selection', 'active')`,
		tenantID, provider, account.ID, nullable(account.Name))
}

// UpdateToken replaces the token columns after a refresh and clears error state.
func (r *ConnectionRepository) UpdateToken(ctx context.Context, tenantID, provider string, u model.TokenUpdate) error {
	return r.exec(ctx, tenantID,
		`UPDATE provider_connections SET access_token_encrypted = $3,
			refresh_token_encrypted = COALESCE($4, refresh_token_encrypted),
			token_expires_at = $5,
			token_type = COALESCE($6, token_type),
			needs_reauth = false, last_error = NULL,
			status = CASE WHEN status = 'needs_reauth' THEN 'active' ELSE status END,
			updated_at = now()
		WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider, u.AccessTokenEncrypted, nullable(u.RefreshTokenEncrypted), u.ExpiresAt, nullable(u.TokenType))
}

// RecordError stores last_error without flagging the connection for re-authorization.
func (r *ConnectionRepository) RecordError(ctx context.Context, tenantID, provider, message string) error {
	return r.exec(ctx, tenantID,
		`UPDATE provider_connections SET last_error = $3, updated_at = now() WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider, message)
}

// MarkReauth flags the connection as requiring the user to reconnect.
func (r *ConnectionRepository) MarkReauth(ctx context.Context, tenantID, provider, message string) error {
	return r.exec(ctx, tenantID,
		`UPDATE provider_connections SET needs_reauth = true, last_error = $3, status = 'needs_reauth', updated_at = now()
		WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider, message)
}

// Delete hard-deletes the connection; deleting a missing connection is not an error.
func (r *ConnectionRepository) Delete(ctx context.Context, tenantID, provider string) error {
	return r.db.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM provider_connections WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
		return err
	})
}

// ListByProvider returns every connection of provider across tenants, soonest expiry first.
// An empty provider lists all connections.
func (r *ConnectionRepository) ListByProvider(ctx context.Context, provider string) ([]*model.Connection, error) {
	var out []*model.Connection
	err := r.db.asService(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+connectionColumns+` FROM provider_connections
			WHERE $1 = '' OR provider = $1
			ORDER BY token_expires_at ASC NULLS LAST, tenant_id`, provider)
		if err != nil {
			return err
		}
		out, err = collectConnections(rows)
		return err
	})
	return out, err
}

// ListByTenant returns the tenant's connections ordered by provider.
func (r *ConnectionRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.Connection, error) {
	var out []*model.Connection
	err := r.db.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+connectionColumns+` FROM provider_connections WHERE tenant_id = $1 ORDER BY provider`, tenantID)
		if err != nil {
			return err
		}
		out, err = collectConnections(rows)
		return err
	})
	return out, err
}

// TouchLastUsed stamps last_used_at.
func (r *ConnectionRepository) TouchLastUsed(ctx context.Context, tenantID, provider string) error {
	return r.exec(ctx, tenantID,
		`UPDATE provider_connections SET last_used_at = now() WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider)
}

func collectConnections(rows pgx.Rows) ([]*model.Connection, error) {
	defer rows.Close()
	var out []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

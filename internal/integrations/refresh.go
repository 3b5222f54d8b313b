package integrations

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
	"golang.org/x/sync/errgroup"
)

// RefreshResult is the outcome of refreshing one connection. Refresh never returns an
// error; failures are reported here so a batch can carry on.
type RefreshResult struct {
	TenantID    string     `json:"tenant_id"`
	Provider    string     `json:"provider"`
	Success     bool       `json:"success"`
	Skipped     bool       `json:"skipped,omitempty"`
	NeedsReauth bool       `json:"needs_reauth,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// BatchResult aggregates a refresh batch.
type BatchResult struct {
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Failures  []RefreshResult `json:"failures,omitempty"`
}

// NeedsRefresh reports whether the connection's token expires within the provider's
// refresh buffer. Non-expiring token types never need a refresh.
func (s *Service) NeedsRefresh(conn *model.Connection) bool {
	if conn == nil || model.NonExpiring(conn.TokenType) || conn.TokenExpiresAt == nil {
		return false
	}
	var buffer time.Duration
	if p, ok := s.providers[conn.Provider]; ok {
		buffer = p.Descriptor().RefreshBuffer
	}
	return !conn.TokenExpiresAt.After(s.now().Add(buffer))
}

// Refresh renews the tenant's token for one provider.
func (s *Service) Refresh(ctx context.Context, tenantID, providerName string) RefreshResult {
	res := RefreshResult{TenantID: tenantID, Provider: providerName}
	p, err := s.provider(providerName)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	conn, err := s.store.Get(ctx, tenantID, providerName)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if conn == nil {
		res.Error = ErrNotConnected.Error()
		return res
	}
	return s.refreshConnection(ctx, p, conn)
}

func (s *Service) refreshConnection(ctx context.Context, p Provider, conn *model.Connection) RefreshResult {
	res := RefreshResult{TenantID: conn.TenantID, Provider: conn.Provider, ExpiresAt: conn.TokenExpiresAt}
	if model.NonExpiring(conn.TokenType) {
		res.Success = true
		res.Skipped = true
		return res
	}
	logger := s.logger.With().Str("tenant_id", conn.TenantID).Str("provider", conn.Provider).Logger()

	access, err := s.cipher.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		logger.Error().Err(err).Msg("Stored access token cannot be decrypted")
		return s.markReauth(ctx, res)
	}
	current := &Token{AccessToken: access, TokenType: conn.TokenType, ExpiresAt: conn.TokenExpiresAt, Scopes: conn.Scopes}
	if conn.RefreshTokenEncrypted != "" {
		if current.RefreshToken, err = s.cipher.Decrypt(conn.RefreshTokenEncrypted); err != nil {
			logger.Error().Err(err).Msg("Stored refresh token cannot be decrypted")
			return s.markReauth(ctx, res)
		}
	}

	start := time.Now()
	tok, err := p.Refresh(ctx, current)
	monitoring.TokenRefreshDuration.WithLabelValues(conn.Provider).Observe(time.Since(start).Seconds())
	if err != nil {
		var pe *ProviderError
		transient := errors.As(err, &pe) && pe.Transient
		stillValid := conn.TokenExpiresAt == nil || s.now().Before(*conn.TokenExpiresAt)
		logger.Warn().Err(err).Bool("transient", transient).Msg("Token refresh failed")
		if transient && stillValid {
			monitoring.TokenRefreshes.WithLabelValues(conn.Provider, "transient").Inc()
			if rerr := s.store.RecordError(ctx, conn.TenantID, conn.Provider, err.Error()); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to record refresh error")
			}
			res.Error = err.Error()
			return res
		}
		return s.markReauth(ctx, res)
	}

	update := model.TokenUpdate{ExpiresAt: tok.ExpiresAt, TokenType: tok.TokenType}
	if update.AccessTokenEncrypted, err = s.cipher.Encrypt(tok.AccessToken); err != nil {
		res.Error = err.Error()
		return res
	}
	if tok.RefreshToken != "" && tok.RefreshToken != current.RefreshToken {
		if update.RefreshTokenEncrypted, err = s.cipher.Encrypt(tok.RefreshToken); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	if err := s.store.UpdateToken(ctx, conn.TenantID, conn.Provider, update); err != nil {
		monitoring.TokenRefreshes.WithLabelValues(conn.Provider, "store_failed").Inc()
		logger.Error().Err(err).Msg("Failed to store refreshed token")
		res.Error = err.Error()
		return res
	}

	monitoring.TokenRefreshes.WithLabelValues(conn.Provider, "success").Inc()
	logger.Info().Msg("Token refreshed")
	res.Success = true
	res.ExpiresAt = tok.ExpiresAt
	return res
}

// markReauth flags the connection; the stored and returned message is the generic
// reconnect prompt, never the raw provider error.
func (s *Service) markReauth(ctx context.Context, res RefreshResult) RefreshResult {
	monitoring.TokenRefreshes.WithLabelValues(res.Provider, "reauth_required").Inc()
	if err := s.store.MarkReauth(ctx, res.TenantID, res.Provider, ErrReauthRequired.Error()); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", res.TenantID).Str("provider", res.Provider).Msg("Failed to flag connection for re-authorization")
	}
	res.NeedsReauth = true
	res.Error = ErrReauthRequired.Error()
	return res
}

// RefreshDue refreshes every connection that NeedsRefresh, across all providers.
// Connections already flagged for re-authorization are counted as skipped.
func (s *Service) RefreshDue(ctx context.Context) (*BatchResult, error) {
	return s.refreshBatch(ctx, s.NeedsRefresh)
}

// RefreshAll attempts a refresh of every expiring connection regardless of its expiry.
func (s *Service) RefreshAll(ctx context.Context) (*BatchResult, error) {
	return s.refreshBatch(ctx, func(c *model.Connection) bool { return !model.NonExpiring(c.TokenType) })
}

func (s *Service) refreshBatch(ctx context.Context, due func(*model.Connection) bool) (*BatchResult, error) {
	var candidates []*model.Connection
	skipped := 0
	for _, name := range s.providers.Names() {
		conns, err := s.store.ListByProvider(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			switch {
			case c.NeedsReauth:
				skipped++
			case due(c):
				candidates = append(candidates, c)
			}
		}
	}

	batch := &BatchResult{Skipped: skipped}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			res := s.refreshConnection(gctx, s.providers[c.Provider], c)
			mu.Lock()
			defer mu.Unlock()
			batch.Attempted++
			switch {
			case res.Skipped:
				batch.Skipped++
			case res.Success:
				batch.Succeeded++
			default:
				batch.Failed++
				batch.Failures = append(batch.Failures, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int("attempted", batch.Attempted).
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Int("skipped", batch.Skipped).
		Msg("Refresh batch finished")
	return batch, nil
}

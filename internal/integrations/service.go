package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/crypto"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/monitoring"
	"github.com/teresa-solution/integration-service/internal/oauthstate"
)

// ConnectionStore persists connections. Upsert must be a single atomic statement
// keyed on (tenant, provider). Get returns (nil, nil) when there is no connection.
type ConnectionStore interface {
	Upsert(ctx context.Context, conn *model.Connection) error
	Get(ctx context.Context, tenantID, provider string) (*model.Connection, error)
	SelectAccount(ctx context.Context, tenantID, provider string, account model.Account) error
	UpdateToken(ctx context.Context, tenantID, provider string, u model.TokenUpdate) error
	RecordError(ctx context.Context, tenantID, provider, message string) error
	MarkReauth(ctx context.Context, tenantID, provider, message string) error
	Delete(ctx context.Context, tenantID, provider string) error
	ListByProvider(ctx context.Context, provider string) ([]*model.Connection, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.Connection, error)
	TouchLastUsed(ctx context.Context, tenantID, provider string) error
}

// Options configures a Service.
type Options struct {
	// AllowedReturnHosts restricts absolute return URLs; relative paths are always allowed.
	AllowedReturnHosts []string
	// RefreshConcurrency bounds parallel refreshes in a batch.
	RefreshConcurrency int
	Now                func() time.Time
}

// Service is the connection state machine shared by every provider.
type Service struct {
	store     ConnectionStore
	signer    *oauthstate.Signer
	cipher    *crypto.Cipher
	providers Registry

	allowedHosts map[string]bool
	concurrency  int
	now          func() time.Time
	logger       zerolog.Logger

	detached sync.WaitGroup
}

// NewService wires the flow. Every dependency is required.
func NewService(store ConnectionStore, signer *oauthstate.Signer, cipher *crypto.Cipher, providers Registry, opts Options) *Service {
	s := &Service{
		store:        store,
		signer:       signer,
		cipher:       cipher,
		providers:    providers,
		allowedHosts: make(map[string]bool),
		concurrency:  opts.RefreshConcurrency,
		now:          opts.Now,
		logger:       log.With().Str("component", "integrations").Logger(),
	}
	for _, h := range opts.AllowedReturnHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.allowedHosts[h] = true
		}
	}
	if s.concurrency < 1 {
		s.concurrency = 8
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Providers lists the configured provider names.
func (s *Service) Providers() []string { return s.providers.Names() }

func (s *Service) provider(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Service) checkReturnURL(raw string) error {
	if raw == "" || (strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//")) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return ErrInvalidReturnURL
	}
	if len(s.allowedHosts) > 0 && !s.allowedHosts[strings.ToLower(u.Hostname())] {
		return ErrInvalidReturnURL
	}
	return nil
}

// StartOAuth returns the provider authorization URL carrying a signed state. It has
// no side effect on the stored connection.
func (s *Service) StartOAuth(_ context.Context, providerName, tenantID, returnURL string) (string, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return "", err
	}
	if err := s.checkReturnURL(returnURL); err != nil {
		return "", err
	}
	state, payload, err := s.signer.Create(tenantID, providerName, returnURL)
	if err != nil {
		return "", err
	}
	verifier := ""
	if p.Descriptor().UsesPKCE {
		verifier = s.signer.Verifier(payload)
	}
	return p.AuthCodeURL(state, verifier), nil
}

// CompleteResult is the outcome of an OAuth callback.
type CompleteResult struct {
	Connected                bool            `json:"connected"`
	TenantID                 string          `json:"tenant_id"`
	Provider                 string          `json:"provider"`
	ReturnURL                string          `json:"return_url,omitempty"`
	Accounts                 []model.Account `json:"accounts"`
	RequiresAccountSelection bool            `json:"requires_account_selection"`
}

// CompleteOAuth validates the state before any network call, exchanges the code,
// upgrades to a long-lived token where supported, fetches accounts and stores the
// encrypted connection.
func (s *Service) CompleteOAuth(ctx context.Context, providerName, code, state string) (*CompleteResult, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	payload, err := s.signer.Validate(state)
	if err != nil {
		monitoring.OAuthCompletions.WithLabelValues(providerName, "invalid_state").Inc()
		return nil, err
	}
	if payload.Provider != providerName {
		monitoring.OAuthCompletions.WithLabelValues(providerName, "invalid_state").Inc()
		return nil, oauthstate.ErrInvalidState
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrMissingCode
	}

	logger := s.logger.With().Str("provider", providerName).Str("tenant_id", payload.TenantID).Logger()
	desc := p.Descriptor()

	verifier := ""
	if desc.UsesPKCE {
		verifier = s.signer.Verifier(*payload)
	}
	tok, err := p.Exchange(ctx, code, verifier)
	if err != nil {
		monitoring.OAuthCompletions.WithLabelValues(providerName, "exchange_failed").Inc()
		logger.Warn().Err(err).Msg("Token exchange failed")
		return nil, err
	}
	if ll, ok := p.(LongLivedExchanger); ok && desc.SupportsLongLived {
		long, err := ll.ExchangeLongLived(ctx, tok)
		if err != nil {
			monitoring.OAuthCompletions.WithLabelValues(providerName, "exchange_failed").Inc()
			logger.Warn().Err(err).Msg("Long-lived token exchange failed")
			return nil, err
		}
		tok = long
	}

	accounts, err := p.ListAccounts(ctx, tok.AccessToken)
	if err != nil {
		monitoring.OAuthCompletions.WithLabelValues(providerName, "accounts_failed").Inc()
		logger.Warn().Err(err).Msg("Account fetch failed")
		return nil, err
	}

	conn, err := s.persist(ctx, payload.TenantID, providerName, tok, accounts)
	if err != nil {
		monitoring.OAuthCompletions.WithLabelValues(providerName, "store_failed").Inc()
		return nil, err
	}

	monitoring.OAuthCompletions.WithLabelValues(providerName, "connected").Inc()
	logger.Info().Str("status", string(conn.Status)).Int("accounts", len(accounts)).Msg("Provider connected")
	return &CompleteResult{
		Connected:                true,
		TenantID:                 payload.TenantID,
		Provider:                 providerName,
		ReturnURL:                payload.ReturnURL,
		Accounts:                 accounts,
		RequiresAccountSelection: conn.Status == model.StatusPendingAccountSelection,
	}, nil
}

// persist encrypts tok and upserts the connection. Several candidate accounts leave
// the connection pending selection; zero or one makes it active.
func (s *Service) persist(ctx context.Context, tenantID, providerName string, tok *Token, accounts []model.Account) (*model.Connection, error) {
	accessCT, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCT := ""
	if tok.RefreshToken != "" {
		if refreshCT, err = s.cipher.Encrypt(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	conn := &model.Connection{
		TenantID:              tenantID,
		Provider:              providerName,
		AccessTokenEncrypted:  accessCT,
		RefreshTokenEncrypted: refreshCT,
		TokenExpiresAt:        tok.ExpiresAt,
		TokenType:             tok.TokenType,
		Scopes:                tok.Scopes,
		Metadata:              map[string]any{"available_accounts": accounts},
		Status:                model.StatusActive,
	}
	switch {
	case len(accounts) > 1:
		conn.Status = model.StatusPendingAccountSelection
	case len(accounts) == 1:
		conn.SelectedAccountID = accounts[0].ID
		conn.SelectedAccountName = accounts[0].Name
	}
	if err := s.store.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}
	return conn, nil
}

// SelectAccount records the tenant's chosen account and activates the connection.
func (s *Service) SelectAccount(ctx context.Context, tenantID, providerName, accountID, accountName string) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("account id is required")
	}
	conn, err := s.store.Get(ctx, tenantID, providerName)
	if err != nil {
		return err
	}
	if err := checkSelectable(conn); err != nil {
		return err
	}
	account, ok := offeredAccount(conn, accountID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotOffered, accountID)
	}
	if accountName != "" {
		account.Name = accountName
	}
	if err := s.store.SelectAccount(ctx, tenantID, providerName, model.Account{ID: account.ID, Name: account.Name}); err != nil {
		// The connection may have been flagged or removed since it was read.
		if current, gerr := s.store.Get(ctx, tenantID, providerName); gerr == nil {
			if cerr := checkSelectable(current); cerr != nil {
				return cerr
			}
		}
		return err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("provider", providerName).Str("account_id", accountID).Msg("Account selected")
	return nil
}

// checkSelectable allows account selection only while the connection is awaiting a
// choice or already active with a usable token.
func checkSelectable(conn *model.Connection) error {
	switch {
	case conn == nil || conn.Status == model.StatusDisconnected:
		return ErrNotConnected
	case conn.NeedsReauth || conn.Status == model.StatusNeedsReauth:
		return ErrReauthRequired
	case conn.Status != model.StatusPendingAccountSelection && conn.Status != model.StatusActive:
		return fmt.Errorf("%w: connection is %s", ErrReauthRequired, conn.Status)
	}
	return nil
}

// offeredAccount looks id up in the accounts stored at connect time. Metadata read
// back from the database holds decoded JSON rather than model.Account values, so both
// shapes go through a JSON round trip.
func offeredAccount(conn *model.Connection, id string) (model.Account, bool) {
	raw, ok := conn.Metadata["available_accounts"]
	if !ok || raw == nil {
		return model.Account{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return model.Account{}, false
	}
	var accounts []model.Account
	if err := json.Unmarshal(b, &accounts); err != nil {
		return model.Account{}, false
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, true
		}
	}
	return model.Account{}, false
}

// Disconnect hard-deletes the connection so no credential material remains.
func (s *Service) Disconnect(ctx context.Context, tenantID, providerName string) error {
	if err := s.store.Delete(ctx, tenantID, providerName); err != nil {
		return err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("provider", providerName).Msg("Provider disconnected")
	return nil
}

// ConnectSystemUser stores a non-expiring system user token after verifying it
// with the provider's introspection endpoint.
func (s *Service) ConnectSystemUser(ctx context.Context, tenantID, providerName, accessToken string) (*CompleteResult, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	in, ok := p.(Introspector)
	if !ok {
		return nil, fmt.Errorf("%w: %s system user tokens", ErrNotSupported, providerName)
	}
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("tenant id and token are required")
	}

	info, err := in.Introspect(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !info.Valid {
		return nil, &ProviderError{Op: OpIntrospect, Provider: providerName, Message: "token is not valid"}
	}
	if info.ExpiresAt != nil {
		return nil, &ProviderError{Op: OpIntrospect, Provider: providerName, Message: "token expires; not a system user token"}
	}

	accounts, err := p.ListAccounts(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	tok := &Token{AccessToken: accessToken, TokenType: model.TokenTypeSystemUser, Scopes: info.Scopes}
	conn, err := s.persist(ctx, tenantID, providerName, tok, accounts)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("provider", providerName).Msg("System user token connected")
	return &CompleteResult{
		Connected:                true,
		TenantID:                 tenantID,
		Provider:                 providerName,
		Accounts:                 accounts,
		RequiresAccountSelection: conn.Status == model.StatusPendingAccountSelection,
	}, nil
}

// ConnectionView is a connection without any credential material.
type ConnectionView struct {
	Provider            string                 `json:"provider"`
	Status              model.ConnectionStatus `json:"status"`
	NeedsReauth         bool                   `json:"needs_reauth"`
	LastError           string                 `json:"last_error,omitempty"`
	TokenType           string                 `json:"token_type"`
	TokenExpiresAt      *time.Time             `json:"token_expires_at,omitempty"`
	SelectedAccountID   string                 `json:"selected_account_id,omitempty"`
	SelectedAccountName string                 `json:"selected_account_name,omitempty"`
	ConnectedAt         time.Time              `json:"connected_at"`
	LastUsedAt          *time.Time             `json:"last_used_at,omitempty"`
}

func viewOf(c *model.Connection) ConnectionView {
	return ConnectionView{
		Provider:            c.Provider,
		Status:              c.Status,
		NeedsReauth:         c.NeedsReauth,
		LastError:           c.LastError,
		TokenType:           c.TokenType,
		TokenExpiresAt:      c.TokenExpiresAt,
		SelectedAccountID:   c.SelectedAccountID,
		SelectedAccountName: c.SelectedAccountName,
		ConnectedAt:         c.ConnectedAt,
		LastUsedAt:          c.LastUsedAt,
	}
}

// Status lists the tenant's connections.
func (s *Service) Status(ctx context.Context, tenantID string) ([]ConnectionView, error) {
	conns, err := s.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, viewOf(c))
	}
	return out, nil
}

// GetAccessToken returns the plaintext token for API calls. It refuses tokens that
// need re-authorization or have expired without a successful refresh.
func (s *Service) GetAccessToken(ctx context.Context, tenantID, providerName string) (string, error) {
	conn, err := s.store.Get(ctx, tenantID, providerName)
	if err != nil {
		return "", err
	}
	if conn == nil {
		return "", ErrNotConnected
	}
	if conn.NeedsReauth {
		return "", ErrReauthRequired
	}
	if conn.TokenExpiresAt != nil && !s.now().Before(*conn.TokenExpiresAt) {
		return "", ErrTokenExpired
	}
	token, err := s.cipher.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return "", err
	}

	s.touch(ctx, tenantID, providerName)
	return token, nil
}

// touch updates last_used_at in the background. Its failure is logged and never
// reaches the caller.
func (s *Service) touch(ctx context.Context, tenantID, providerName string) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastUsed(tctx, tenantID, providerName); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("provider", providerName).Msg("Failed to update last used time")
		}
	}()
}

// Drain waits for background last-used updates; called on shutdown.
func (s *Service) Drain() { s.detached.Wait() }

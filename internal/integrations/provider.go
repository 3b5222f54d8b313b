// Package integrations runs the OAuth connection lifecycle for third-party ad and
// marketing platforms: authorization, code exchange, account selection, encrypted
// credential storage, proactive refresh and token hand-out.
package integrations

import (
	"context"
	"sort"
	"time"

	"github.com/teresa-solution/integration-service/internal/model"
)

// Descriptor is the data that differs between providers. The connection state
// machine is written once against it.
type Descriptor struct {
	Name              string
	AuthURL           string
	TokenURL          string
	Scopes            []string
	SupportsLongLived bool
	AccountsURL       string
	// RefreshBuffer is how long before expiry a token is refreshed.
	RefreshBuffer time.Duration
	UsesPKCE      bool
	// TokenType is the type of tokens issued by the code exchange.
	TokenType string
}

// Token is a provider credential in plaintext. It only lives in memory between
// the provider call and encryption.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

// Provider is the strategy for one platform.
type Provider interface {
	Descriptor() Descriptor
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*Token, error)
	Refresh(ctx context.Context, current *Token) (*Token, error)
	ListAccounts(ctx context.Context, accessToken string) ([]model.Account, error)
}

// LongLivedExchanger is implemented by providers that trade a short-lived token for a longer one.
type LongLivedExchanger interface {
	ExchangeLongLived(ctx context.Context, short *Token) (*Token, error)
}

// TokenInfo is the result of introspecting a token.
type TokenInfo struct {
	Valid     bool
	ExpiresAt *time.Time
	Scopes    []string
	// Type is the provider's own token type label, e.g. SYSTEM_USER.
	Type string
}

// Introspector is implemented by providers with a token debug endpoint.
type Introspector interface {
	Introspect(ctx context.Context, accessToken string) (*TokenInfo, error)
}

// Registry maps provider names to strategies.
type Registry map[string]Provider

// NewRegistry indexes providers by descriptor name.
func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Descriptor().Name] = p
	}
	return r
}

// Names returns registered provider names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func expiresIn(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(seconds) * time.Second).UTC()
	return &t
}

package integrations

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/teresa-solution/integration-service/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// GoogleConfig configures the Google Ads provider.
type GoogleConfig struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	DeveloperToken string
	// Endpoint and AdsURL default to the public Google endpoints.
	Endpoint oauth2.Endpoint
	AdsURL   string
	Client   *http.Client
}

// Google implements Provider for Google Ads with offline refresh tokens.
type Google struct {
	cfg   GoogleConfig
	oauth *oauth2.Config
}

// NewGoogle builds the Google Ads strategy.
func NewGoogle(cfg GoogleConfig) *Google {
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.AdsURL == "" {
		cfg.AdsURL = "https://googleads.googleapis.com/v17"
	}
	return &Google{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"https://www.googleapis.com/auth/adwords"},
			Endpoint:     cfg.Endpoint,
		},
	}
}

func (g *Google) Descriptor() Descriptor {
	return Descriptor{
		Name:          "google",
		AuthURL:       g.oauth.Endpoint.AuthURL,
		TokenURL:      g.oauth.Endpoint.TokenURL,
		Scopes:        g.oauth.Scopes,
		AccountsURL:   g.cfg.AdsURL + "/customers:listAccessibleCustomers",
		RefreshBuffer: 10 * time.Minute,
		TokenType:     model.TokenTypeUser,
	}
}

// AuthCodeURL forces the consent prompt so Google issues a refresh token on every connect.
func (g *Google) AuthCodeURL(state, _ string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (g *Google) Exchange(ctx context.Context, code, _ string) (*Token, error) {
	tok, err := g.oauth.Exchange(withClient(ctx, g.cfg.Client), code)
	if err != nil {
		return nil, oauthError(OpExchange, "google", err)
	}
	return fromOAuthToken(tok, model.TokenTypeUser), nil
}

func (g *Google) Refresh(ctx context.Context, current *Token) (*Token, error) {
	if current.RefreshToken == "" {
		return nil, &ProviderError{Op: OpRefresh, Provider: "google", Message: "no refresh token stored"}
	}
	src := g.oauth.TokenSource(withClient(ctx, g.cfg.Client), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, oauthError(OpRefresh, "google", err)
	}
	out := fromOAuthToken(tok, model.TokenTypeUser)
	if out.Scopes == nil {
		out.Scopes = current.Scopes
	}
	return out, nil
}

type googleAccessibleCustomers struct {
	ResourceNames []string `json:"resourceNames"`
}

func (g *Google) ListAccounts(ctx context.Context, accessToken string) ([]model.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.AdsURL+"/customers:listAccessibleCustomers", nil)
	if err != nil {
		return nil, &ProviderError{Op: OpAccounts, Provider: "google", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("developer-token", g.cfg.DeveloperToken)

	var resp googleAccessibleCustomers
	if err := doJSON(g.cfg.Client, req, OpAccounts, "google", &resp); err != nil {
		return nil, err
	}
	accounts := make([]model.Account, 0, len(resp.ResourceNames))
	for _, rn := range resp.ResourceNames {
		id := strings.TrimPrefix(rn, "customers/")
		accounts = append(accounts, model.Account{ID: id, Name: rn})
	}
	return accounts, nil
}

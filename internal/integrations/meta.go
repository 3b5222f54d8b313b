package integrations

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teresa-solution/integration-service/internal/model"
	"golang.org/x/oauth2"
)

const (
	metaDefaultGraphVersion = "v21.0"
	// Meta long-lived user tokens last about 60 days; the response sometimes omits expires_in.
	metaLongLivedTTL = 60 * 24 * time.Hour
)

// MetaConfig configures the Meta (Facebook/Instagram ads) provider.
type MetaConfig struct {
	AppID        string
	AppSecret    string
	RedirectURL  string
	GraphVersion string
	// GraphURL and DialogURL default to the public endpoints; tests point them at fakes.
	GraphURL  string
	DialogURL string
	Client    *http.Client
	Now       func() time.Time
}

// Meta implements Provider, LongLivedExchanger and Introspector for the Graph API.
type Meta struct {
	cfg   MetaConfig
	oauth *oauth2.Config
	graph string
}

// NewMeta builds the Meta strategy.
func NewMeta(cfg MetaConfig) *Meta {
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = metaDefaultGraphVersion
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = "https://graph.facebook.com"
	}
	if cfg.DialogURL == "" {
		cfg.DialogURL = "https://www.facebook.com"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	graph := strings.TrimRight(cfg.GraphURL, "/") + "/" + cfg.GraphVersion
	return &Meta{
		cfg:   cfg,
		graph: graph,
		oauth: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"ads_management", "ads_read", "business_management"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimRight(cfg.DialogURL, "/") + "/" + cfg.GraphVersion + "/dialog/oauth",
				TokenURL:  graph + "/oauth/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (m *Meta) Descriptor() Descriptor {
	return Descriptor{
		Name:              "meta",
		AuthURL:           m.oauth.Endpoint.AuthURL,
		TokenURL:          m.oauth.Endpoint.TokenURL,
		Scopes:            m.oauth.Scopes,
		SupportsLongLived: true,
		AccountsURL:       m.graph + "/me/adaccounts",
		RefreshBuffer:     7 * 24 * time.Hour,
		TokenType:         model.TokenTypeUser,
	}
}

func (m *Meta) AuthCodeURL(state, _ string) string {
	return m.oauth.AuthCodeURL(state)
}

func (m *Meta) Exchange(ctx context.Context, code, _ string) (*Token, error) {
	tok, err := m.oauth.Exchange(withClient(ctx, m.cfg.Client), code)
	if err != nil {
		return nil, oauthError(OpExchange, "meta", err)
	}
	return fromOAuthToken(tok, model.TokenTypeUser), nil
}

type metaTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// fbExchange trades token for a long-lived one. Meta has no refresh token grant; a
// still-valid long-lived token is re-exchanged the same way to extend it.
func (m *Meta) fbExchange(ctx context.Context, op, token string) (*Token, error) {
	q := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {m.cfg.AppID},
		"client_secret":     {m.cfg.AppSecret},
		"fb_exchange_token": {token},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.graph+"/oauth/access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProviderError{Op: op, Provider: "meta", Err: err}
	}
	var resp metaTokenResponse
	if err := doJSON(m.cfg.Client, req, op, "meta", &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &ProviderError{Op: op, Provider: "meta", Message: "response carried no access token"}
	}

	now := m.cfg.Now()
	exp := expiresIn(now, resp.ExpiresIn)
	if exp == nil {
		t := now.Add(metaLongLivedTTL).UTC()
		exp = &t
	}
	return &Token{AccessToken: resp.AccessToken, TokenType: model.TokenTypeLongLived, ExpiresAt: exp}, nil
}

func (m *Meta) ExchangeLongLived(ctx context.Context, short *Token) (*Token, error) {
	tok, err := m.fbExchange(ctx, OpLongLived, short.AccessToken)
	if err != nil {
		return nil, err
	}
	tok.Scopes = short.Scopes
	return tok, nil
}

func (m *Meta) Refresh(ctx context.Context, current *Token) (*Token, error) {
	tok, err := m.fbExchange(ctx, OpRefresh, current.AccessToken)
	if err != nil {
		return nil, err
	}
	tok.Scopes = current.Scopes
	return tok, nil
}

type metaAdAccounts struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		AccountStatus int    `json:"account_status"`
	} `json:"data"`
}

func (m *Meta) ListAccounts(ctx context.Context, accessToken string) ([]model.Account, error) {
	q := url.Values{
		"fields":       {"id,name,account_status"},
		"limit":        {"200"},
		"access_token": {accessToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.graph+"/me/adaccounts?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProviderError{Op: OpAccounts, Provider: "meta", Err: err}
	}
	var resp metaAdAccounts
	if err := doJSON(m.cfg.Client, req, OpAccounts, "meta", &resp); err != nil {
		return nil, err
	}

	accounts := make([]model.Account, 0, len(resp.Data))
	for _, a := range resp.Data {
		status := "active"
		if a.AccountStatus != 1 {
			status = "inactive"
		}
		accounts = append(accounts, model.Account{ID: a.ID, Name: a.Name, Status: status})
	}
	return accounts, nil
}

type metaDebugToken struct {
	Data struct {
		IsValid   bool     `json:"is_valid"`
		ExpiresAt int64    `json:"expires_at"`
		Scopes    []string `json:"scopes"`
		Type      string   `json:"type"`
	} `json:"data"`
}

// Introspect calls debug_token with the app access token. expires_at of 0 means the
// token never expires, which is how system user tokens are reported.
func (m *Meta) Introspect(ctx context.Context, accessToken string) (*TokenInfo, error) {
	q := url.Values{
		"input_token":  {accessToken},
		"access_token": {m.cfg.AppID + "|" + m.cfg.AppSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.graph+"/debug_token?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProviderError{Op: OpIntrospect, Provider: "meta", Err: err}
	}
	var resp metaDebugToken
	if err := doJSON(m.cfg.Client, req, OpIntrospect, "meta", &resp); err != nil {
		return nil, err
	}

	info := &TokenInfo{Valid: resp.Data.IsValid, Scopes: resp.Data.Scopes, Type: resp.Data.Type}
	if resp.Data.ExpiresAt > 0 {
		t := time.Unix(resp.Data.ExpiresAt, 0).UTC()
		info.ExpiresAt = &t
	}
	return info, nil
}

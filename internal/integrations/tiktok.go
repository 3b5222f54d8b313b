package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/teresa-solution/integration-service/internal/model"
)

// TikTokConfig configures the TikTok for Business provider.
type TikTokConfig struct {
	AppID       string
	AppSecret   string
	RedirectURL string
	// APIURL and PortalURL default to the public endpoints.
	APIURL    string
	PortalURL string
	Client    *http.Client
}

// TikTok implements Provider. Its business API does not use a standard OAuth token
// response: the exchange is a JSON POST with the app secret in the body, and the
// issued tokens do not expire.
type TikTok struct {
	cfg TikTokConfig
}

// NewTikTok builds the TikTok strategy.
func NewTikTok(cfg TikTokConfig) *TikTok {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://business-api.tiktok.com/open_api/v1.3"
	}
	if cfg.PortalURL == "" {
		cfg.PortalURL = "https://business-api.tiktok.com/portal/auth"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &TikTok{cfg: cfg}
}

func (t *TikTok) Descriptor() Descriptor {
	return Descriptor{
		Name:        "tiktok",
		AuthURL:     t.cfg.PortalURL,
		TokenURL:    t.cfg.APIURL + "/oauth2/access_token/",
		AccountsURL: t.cfg.APIURL + "/oauth2/advertiser/get/",
		TokenType:   model.TokenTypeBusiness,
	}
}

func (t *TikTok) AuthCodeURL(state, _ string) string {
	q := url.Values{
		"app_id":       {t.cfg.AppID},
		"state":        {state},
		"redirect_uri": {t.cfg.RedirectURL},
	}
	return t.cfg.PortalURL + "?" + q.Encode()
}

// tiktokEnvelope is the wrapper of every business API response. A non-zero code is a
// failure even when the HTTP status is 200.
type tiktokEnvelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// tiktokRateLimited is the business API code for exceeded call frequency.
const tiktokRateLimited = 40100

func (t *TikTok) call(req *http.Request, op string, out any) error {
	var env tiktokEnvelope
	if err := doJSON(t.cfg.Client, req, op, "tiktok", &env); err != nil {
		return err
	}
	if env.Code != 0 {
		return &ProviderError{
			Op:        op,
			Provider:  "tiktok",
			Status:    http.StatusOK,
			Transient: env.Code == tiktokRateLimited || env.Code >= 50000,
			Message:   fmt.Sprintf("code %d: %s", env.Code, env.Message),
		}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &ProviderError{Op: op, Provider: "tiktok", Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

type tiktokTokenData struct {
	AccessToken   string   `json:"access_token"`
	AdvertiserIDs []string `json:"advertiser_ids"`
	Scope         []int    `json:"scope"`
}

func (t *TikTok) Exchange(ctx context.Context, code, _ string) (*Token, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":    t.cfg.AppID,
		"secret":    t.cfg.AppSecret,
		"auth_code": code,
	})
	if err != nil {
		return nil, &ProviderError{Op: OpExchange, Provider: "tiktok", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL+"/oauth2/access_token/", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Op: OpExchange, Provider: "tiktok", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var data tiktokTokenData
	if err := t.call(req, OpExchange, &data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, &ProviderError{Op: OpExchange, Provider: "tiktok", Message: "response carried no access token"}
	}
	scopes := make([]string, 0, len(data.Scope))
	for _, s := range data.Scope {
		scopes = append(scopes, fmt.Sprint(s))
	}
	return &Token{AccessToken: data.AccessToken, TokenType: model.TokenTypeBusiness, Scopes: scopes}, nil
}

// Refresh returns the token unchanged; business tokens stay valid until revoked.
func (t *TikTok) Refresh(_ context.Context, current *Token) (*Token, error) {
	cp := *current
	return &cp, nil
}

type tiktokAdvertisers struct {
	List []struct {
		AdvertiserID   string `json:"advertiser_id"`
		AdvertiserName string `json:"advertiser_name"`
	} `json:"list"`
}

func (t *TikTok) ListAccounts(ctx context.Context, accessToken string) ([]model.Account, error) {
	q := url.Values{"app_id": {t.cfg.AppID}, "secret": {t.cfg.AppSecret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.APIURL+"/oauth2/advertiser/get/?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProviderError{Op: OpAccounts, Provider: "tiktok", Err: err}
	}
	req.Header.Set("Access-Token", accessToken)

	var data tiktokAdvertisers
	if err := t.call(req, OpAccounts, &data); err != nil {
		return nil, err
	}
	accounts := make([]model.Account, 0, len(data.List))
	for _, a := range data.List {
		accounts = append(accounts, model.Account{ID: a.AdvertiserID, Name: a.AdvertiserName})
	}
	return accounts, nil
}

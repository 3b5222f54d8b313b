package integrations

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/teresa-solution/integration-service/internal/model"
	"golang.org/x/oauth2"
)

const klaviyoRevision = "2024-10-15"

// KlaviyoConfig configures the Klaviyo provider.
type KlaviyoConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL, TokenURL and APIURL default to the public endpoints.
	AuthURL  string
	TokenURL string
	APIURL   string
	Client   *http.Client
}

// Klaviyo implements Provider. Klaviyo requires PKCE and client credentials in the
// Authorization header, and rotates the refresh token on every refresh.
type Klaviyo struct {
	cfg   KlaviyoConfig
	oauth *oauth2.Config
}

// NewKlaviyo builds the Klaviyo strategy.
func NewKlaviyo(cfg KlaviyoConfig) *Klaviyo {
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://www.klaviyo.com/oauth/authorize"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://a.klaviyo.com/oauth/token"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://a.klaviyo.com/api"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Klaviyo{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"accounts:read", "campaigns:read", "lists:read", "metrics:read", "profiles:read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

func (k *Klaviyo) Descriptor() Descriptor {
	return Descriptor{
		Name:          "klaviyo",
		AuthURL:       k.cfg.AuthURL,
		TokenURL:      k.cfg.TokenURL,
		Scopes:        k.oauth.Scopes,
		AccountsURL:   k.cfg.APIURL + "/accounts/",
		RefreshBuffer: 10 * time.Minute,
		UsesPKCE:      true,
		TokenType:     model.TokenTypeUser,
	}
}

func (k *Klaviyo) AuthCodeURL(state, verifier string) string {
	return k.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (k *Klaviyo) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	tok, err := k.oauth.Exchange(withClient(ctx, k.cfg.Client), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, oauthError(OpExchange, "klaviyo", err)
	}
	return fromOAuthToken(tok, model.TokenTypeUser), nil
}

func (k *Klaviyo) Refresh(ctx context.Context, current *Token) (*Token, error) {
	if current.RefreshToken == "" {
		return nil, &ProviderError{Op: OpRefresh, Provider: "klaviyo", Message: "no refresh token stored"}
	}
	src := k.oauth.TokenSource(withClient(ctx, k.cfg.Client), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, oauthError(OpRefresh, "klaviyo", err)
	}
	return fromOAuthToken(tok, model.TokenTypeUser), nil
}

type klaviyoAccounts struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			ContactInformation struct {
				OrganizationName string `json:"organization_name"`
			} `json:"contact_information"`
		} `json:"attributes"`
	} `json:"data"`
}

func (k *Klaviyo) ListAccounts(ctx context.Context, accessToken string) ([]model.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.cfg.APIURL+"/accounts/", nil)
	if err != nil {
		return nil, &ProviderError{Op: OpAccounts, Provider: "klaviyo", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("revision", klaviyoRevision)
	req.Header.Set("Accept", "application/vnd.api+json")

	var resp klaviyoAccounts
	if err := doJSON(k.cfg.Client, req, OpAccounts, "klaviyo", &resp); err != nil {
		return nil, err
	}
	accounts := make([]model.Account, 0, len(resp.Data))
	for _, a := range resp.Data {
		accounts = append(accounts, model.Account{ID: a.ID, Name: a.Attributes.ContactInformation.OrganizationName})
	}
	return accounts, nil
}

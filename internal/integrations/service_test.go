package integrations

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-service/internal/crypto"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/oauthstate"
	"github.com/teresa-solution/integration-service/internal/store"
)

const testStateSecret = "integration-test-state-secret-0123456789"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeProvider is an in-memory provider. Tokens it issues are "<prefix>-<n>".
type fakeProvider struct {
	name      string
	pkce      bool
	longLived bool
	buffer    time.Duration
	clock     *fakeClock
	ttl       time.Duration

	accounts    []model.Account
	exchangeErr error
	accountsErr error

	mu          sync.Mutex
	refreshErrs map[string]error // keyed by current access token
	lastVerify  string
	exchanges   atomic.Int32
	refreshes   atomic.Int32
	issued      atomic.Int32
	introspect  *TokenInfo
}

func (f *fakeProvider) Descriptor() Descriptor {
	return Descriptor{
		Name:              f.name,
		SupportsLongLived: f.longLived,
		RefreshBuffer:     f.buffer,
		UsesPKCE:          f.pkce,
		TokenType:         model.TokenTypeUser,
	}
}

func (f *fakeProvider) AuthCodeURL(state, verifier string) string {
	q := url.Values{"state": {state}}
	if verifier != "" {
		q.Set("verifier", verifier)
	}
	return "https://" + f.name + ".example/auth?" + q.Encode()
}

func (f *fakeProvider) token(prefix string) *Token {
	n := f.issued.Add(1)
	exp := f.clock.Now().Add(f.ttl).UTC()
	return &Token{
		AccessToken:  fmt.Sprintf("%s-%d", prefix, n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		TokenType:    model.TokenTypeUser,
		ExpiresAt:    &exp,
		Scopes:       []string{"ads_read"},
	}
}

func (f *fakeProvider) Exchange(_ context.Context, code, verifier string) (*Token, error) {
	f.exchanges.Add(1)
	f.mu.Lock()
	f.lastVerify = verifier
	f.mu.Unlock()
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token("access-" + code), nil
}

func (f *fakeProvider) ExchangeLongLived(_ context.Context, short *Token) (*Token, error) {
	t := f.token("long")
	t.TokenType = model.TokenTypeLongLived
	t.RefreshToken = ""
	t.Scopes = short.Scopes
	return t, nil
}

func (f *fakeProvider) Refresh(_ context.Context, current *Token) (*Token, error) {
	f.refreshes.Add(1)
	f.mu.Lock()
	err := f.refreshErrs[current.AccessToken]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := f.token("refreshed")
	t.RefreshToken = current.RefreshToken
	return t, nil
}

func (f *fakeProvider) ListAccounts(context.Context, string) ([]model.Account, error) {
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return f.accounts, nil
}

func (f *fakeProvider) failRefresh(accessToken string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErrs == nil {
		f.refreshErrs = make(map[string]error)
	}
	f.refreshErrs[accessToken] = err
}

// introspectingProvider adds Introspect to fakeProvider.
type introspectingProvider struct{ *fakeProvider }

func (p introspectingProvider) Introspect(context.Context, string) (*TokenInfo, error) {
	return p.introspect, nil
}

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	cipher *crypto.Cipher
	signer *oauthstate.Signer
	clock  *fakeClock
}

func newTestEnv(t *testing.T, opts Options, providers ...Provider) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	signer, err := oauthstate.NewSigner(testStateSecret, oauthstate.WithClock(clock.Now))
	require.NoError(t, err)
	mem := store.NewMemoryStore(clock.Now)
	opts.Now = clock.Now
	return &testEnv{
		svc:    NewService(mem, signer, cipher, NewRegistry(providers...), opts),
		store:  mem,
		cipher: cipher,
		signer: signer,
		clock:  clock,
	}
}

func newFake(clock *fakeClock, name string, accounts ...model.Account) *fakeProvider {
	return &fakeProvider{name: name, clock: clock, ttl: time.Hour, buffer: 10 * time.Minute, accounts: accounts}
}

func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestOAuthFlow_EndToEnd(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "act_1", Name: "Main"})
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	authURL, err := env.svc.StartOAuth(ctx, "fake", "t1", "https://app/x")
	require.NoError(t, err)
	res, err := env.svc.CompleteOAuth(ctx, "fake", "code1", stateFrom(t, authURL))
	require.NoError(t, err)

	assert.True(t, res.Connected)
	assert.Equal(t, "t1", res.TenantID)
	assert.Equal(t, "https://app/x", res.ReturnURL)
	assert.False(t, res.RequiresAccountSelection)

	conn, err := env.store.Get(ctx, "t1", "fake")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, model.StatusActive, conn.Status)
	assert.Equal(t, "act_1", conn.SelectedAccountID)
	assert.NotEqual(t, "access-code1-1", conn.AccessTokenEncrypted)
	assert.NotContains(t, conn.AccessTokenEncrypted, "access-code1")

	plain, err := env.cipher.Decrypt(conn.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "access-code1-1", plain)
	refresh, err := env.cipher.Decrypt(conn.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)
}

func TestCompleteOAuth_MultipleAccountsRequireSelection(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "a", Name: "A"}, model.Account{ID: "b", Name: "B"})
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	authURL, err := env.svc.StartOAuth(ctx, "fake", "t1", "/settings")
	require.NoError(t, err)
	res, err := env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	require.NoError(t, err)
	assert.True(t, res.RequiresAccountSelection)
	assert.Len(t, res.Accounts, 2)

	conn, _ := env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, model.StatusPendingAccountSelection, conn.Status)
	assert.Empty(t, conn.SelectedAccountID)
	assert.Len(t, conn.Metadata["available_accounts"], 2)

	require.NoError(t, env.svc.SelectAccount(ctx, "t1", "fake", "b", "B"))
	conn, _ = env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, model.StatusActive, conn.Status)
	assert.Equal(t, "b", conn.SelectedAccountID)

	assert.ErrorIs(t, env.svc.SelectAccount(ctx, "t2", "fake", "b", "B"), ErrNotConnected)
}

func TestSelectAccount_RequiresOfferedAccountAndUsableConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "a", Name: "A"}, model.Account{ID: "b", Name: "B"})
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	authURL, err := env.svc.StartOAuth(ctx, "fake", "t1", "/settings")
	require.NoError(t, err)
	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	require.NoError(t, err)

	err = env.svc.SelectAccount(ctx, "t1", "fake", "not-an-offered-account", "X")
	assert.ErrorIs(t, err, ErrAccountNotOffered)
	conn, _ := env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, model.StatusPendingAccountSelection, conn.Status)
	assert.Empty(t, conn.SelectedAccountID)

	// The offered name is used when the caller sends none.
	require.NoError(t, env.svc.SelectAccount(ctx, "t1", "fake", "a", ""))
	conn, _ = env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, "A", conn.SelectedAccountName)

	// Switching between offered accounts stays allowed while active.
	require.NoError(t, env.svc.SelectAccount(ctx, "t1", "fake", "b", "B"))

	require.NoError(t, env.store.MarkReauth(ctx, "t1", "fake", "token revoked"))
	for _, id := range []string{"a", "not-an-offered-account"} {
		err = env.svc.SelectAccount(ctx, "t1", "fake", id, "")
		assert.ErrorIs(t, err, ErrReauthRequired, id)
	}
	conn, _ = env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, model.StatusNeedsReauth, conn.Status)
	assert.True(t, conn.NeedsReauth)
	assert.Equal(t, "b", conn.SelectedAccountID)
}

func TestCompleteOAuth_RejectsBadState(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "a"})
	other := newFake(env.clock, "other", model.Account{ID: "a"})
	env.svc.providers = NewRegistry(fake, other)
	ctx := context.Background()

	_, err := env.svc.CompleteOAuth(ctx, "fake", "c", "garbage.state")
	assert.ErrorIs(t, err, oauthstate.ErrInvalidState)

	authURL, err := env.svc.StartOAuth(ctx, "other", "t1", "")
	require.NoError(t, err)
	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	assert.ErrorIs(t, err, oauthstate.ErrInvalidState)

	authURL, err = env.svc.StartOAuth(ctx, "fake", "t1", "")
	require.NoError(t, err)
	env.clock.Advance(11 * time.Minute)
	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	assert.ErrorIs(t, err, oauthstate.ErrExpiredState)

	assert.Zero(t, fake.exchanges.Load())
	assert.Zero(t, other.exchanges.Load())
}

func TestCompleteOAuth_ProviderFailures(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake")
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	fake.exchangeErr = &ProviderError{Op: OpExchange, Provider: "fake", Status: 400, Message: "invalid_grant"}
	authURL, _ := env.svc.StartOAuth(ctx, "fake", "t1", "")
	_, err := env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.NotErrorIs(t, err, ErrAccountFetch)

	fake.exchangeErr = nil
	fake.accountsErr = &ProviderError{Op: OpAccounts, Provider: "fake", Status: 500}
	authURL, _ = env.svc.StartOAuth(ctx, "fake", "t1", "")
	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	assert.ErrorIs(t, err, ErrAccountFetch)

	conn, err := env.store.Get(ctx, "t1", "fake")
	require.NoError(t, err)
	assert.Nil(t, conn)

	authURL, _ = env.svc.StartOAuth(ctx, "fake", "t1", "")
	_, err = env.svc.CompleteOAuth(ctx, "fake", " ", stateFrom(t, authURL))
	assert.ErrorIs(t, err, ErrMissingCode)
}

func TestCompleteOAuth_LongLivedAndPKCE(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "a"})
	fake.longLived = true
	fake.pkce = true
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	authURL, err := env.svc.StartOAuth(ctx, "fake", "t1", "")
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	verifier := u.Query().Get("verifier")
	require.NotEmpty(t, verifier)

	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", u.Query().Get("state"))
	require.NoError(t, err)
	fake.mu.Lock()
	assert.Equal(t, verifier, fake.lastVerify)
	fake.mu.Unlock()

	conn, _ := env.store.Get(ctx, "t1", "fake")
	assert.Equal(t, model.TokenTypeLongLived, conn.TokenType)
	assert.Empty(t, conn.RefreshTokenEncrypted)
	plain, _ := env.cipher.Decrypt(conn.AccessTokenEncrypted)
	assert.Equal(t, "long-2", plain)
}

func TestStartOAuth_ReturnURL(t *testing.T) {
	env := newTestEnv(t, Options{AllowedReturnHosts: []string{"App.Example.com"}})
	env.svc.providers = NewRegistry(newFake(env.clock, "fake"))
	ctx := context.Background()

	for _, ok := range []string{"", "/settings/integrations", "https://app.example.com/x?y=1"} {
		_, err := env.svc.StartOAuth(ctx, "fake", "t1", ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"//evil.com/x", "javascript:alert(1)", "https://evil.com/x", "ftp://app.example.com/"} {
		_, err := env.svc.StartOAuth(ctx, "fake", "t1", bad)
		assert.ErrorIs(t, err, ErrInvalidReturnURL, bad)
	}

	_, err := env.svc.StartOAuth(ctx, "nope", "t1", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func seedConnection(t *testing.T, env *testEnv, tenantID, provider, access string, tokenType string, exp *time.Time) {
	t.Helper()
	ct, err := env.cipher.Encrypt(access)
	require.NoError(t, err)
	rt, err := env.cipher.Encrypt("refresh-" + tenantID)
	require.NoError(t, err)
	require.NoError(t, env.store.Upsert(context.Background(), &model.Connection{
		TenantID:              tenantID,
		Provider:              provider,
		AccessTokenEncrypted:  ct,
		RefreshTokenEncrypted: rt,
		TokenExpiresAt:        exp,
		TokenType:             tokenType,
		Status:                model.StatusActive,
	}))
}

func TestGetAccessToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.svc.providers = NewRegistry(newFake(env.clock, "fake"))
	ctx := context.Background()

	_, err := env.svc.GetAccessToken(ctx, "t1", "fake")
	assert.ErrorIs(t, err, ErrNotConnected)

	exp := env.clock.Now().Add(time.Hour)
	seedConnection(t, env, "t1", "fake", "tok-1", model.TokenTypeUser, &exp)
	tok, err := env.svc.GetAccessToken(ctx, "t1", "fake")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	env.svc.Drain()
	conn, _ := env.store.Get(ctx, "t1", "fake")
	require.NotNil(t, conn.LastUsedAt)

	env.clock.Advance(time.Hour)
	_, err = env.svc.GetAccessToken(ctx, "t1", "fake")
	assert.ErrorIs(t, err, ErrTokenExpired)

	require.NoError(t, env.store.MarkReauth(ctx, "t1", "fake", "reconnect required"))
	_, err = env.svc.GetAccessToken(ctx, "t1", "fake")
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestNeedsRefresh(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake")
	fake.buffer = 7 * 24 * time.Hour
	env.svc.providers = NewRegistry(fake)
	now := env.clock.Now()
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	cases := []struct {
		name string
		conn *model.Connection
		want bool
	}{
		{"inside buffer", &model.Connection{Provider: "fake", TokenType: model.TokenTypeLongLived, TokenExpiresAt: at(6 * 24 * time.Hour)}, true},
		{"buffer boundary", &model.Connection{Provider: "fake", TokenType: model.TokenTypeLongLived, TokenExpiresAt: at(7 * 24 * time.Hour)}, true},
		{"outside buffer", &model.Connection{Provider: "fake", TokenType: model.TokenTypeLongLived, TokenExpiresAt: at(8 * 24 * time.Hour)}, false},
		{"already expired", &model.Connection{Provider: "fake", TokenType: model.TokenTypeUser, TokenExpiresAt: at(-time.Hour)}, true},
		{"no expiry", &model.Connection{Provider: "fake", TokenType: model.TokenTypeUser}, false},
		{"system user with past expiry", &model.Connection{Provider: "fake", TokenType: model.TokenTypeSystemUser, TokenExpiresAt: at(-time.Hour)}, false},
		{"system user inside buffer", &model.Connection{Provider: "fake", TokenType: model.TokenTypeSystemUser, TokenExpiresAt: at(time.Minute)}, false},
		{"business token", &model.Connection{Provider: "fake", TokenType: model.TokenTypeBusiness, TokenExpiresAt: at(time.Minute)}, false},
		{"unknown provider uses no buffer", &model.Connection{Provider: "gone", TokenType: model.TokenTypeUser, TokenExpiresAt: at(time.Minute)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, env.svc.NeedsRefresh(tc.conn))
		})
	}
}

func TestRefresh_Outcomes(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake")
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()
	exp := env.clock.Now().Add(5 * time.Minute)

	t.Run("success replaces token and clears error", func(t *testing.T) {
		seedConnection(t, env, "ok", "fake", "tok-ok", model.TokenTypeUser, &exp)
		require.NoError(t, env.store.RecordError(ctx, "ok", "fake", "earlier failure"))

		res := env.svc.Refresh(ctx, "ok", "fake")
		require.True(t, res.Success, res.Error)

		conn, _ := env.store.Get(ctx, "ok", "fake")
		assert.Empty(t, conn.LastError)
		assert.False(t, conn.NeedsReauth)
		assert.True(t, conn.TokenExpiresAt.After(exp))
		plain, _ := env.cipher.Decrypt(conn.AccessTokenEncrypted)
		assert.Contains(t, plain, "refreshed-")
	})

	t.Run("transient failure keeps valid token", func(t *testing.T) {
		seedConnection(t, env, "flaky", "fake", "tok-flaky", model.TokenTypeUser, &exp)
		fake.failRefresh("tok-flaky", &ProviderError{Op: OpRefresh, Provider: "fake", Status: 503, Transient: true})

		res := env.svc.Refresh(ctx, "flaky", "fake")
		assert.False(t, res.Success)
		assert.False(t, res.NeedsReauth)

		conn, _ := env.store.Get(ctx, "flaky", "fake")
		assert.False(t, conn.NeedsReauth)
		assert.Equal(t, model.StatusActive, conn.Status)
		assert.Contains(t, conn.LastError, "503")
	})

	t.Run("auth failure requires reconnect", func(t *testing.T) {
		seedConnection(t, env, "revoked", "fake", "tok-revoked", model.TokenTypeUser, &exp)
		fake.failRefresh("tok-revoked", &ProviderError{Op: OpRefresh, Provider: "fake", Status: 400, Message: "invalid_grant: token revoked"})

		res := env.svc.Refresh(ctx, "revoked", "fake")
		assert.False(t, res.Success)
		assert.True(t, res.NeedsReauth)
		assert.Equal(t, "reconnect required", res.Error)

		conn, _ := env.store.Get(ctx, "revoked", "fake")
		assert.True(t, conn.NeedsReauth)
		assert.Equal(t, model.StatusNeedsReauth, conn.Status)
		assert.Equal(t, "reconnect required", conn.LastError)
	})

	t.Run("transient failure after expiry requires reconnect", func(t *testing.T) {
		past := env.clock.Now().Add(-time.Minute)
		seedConnection(t, env, "late", "fake", "tok-late", model.TokenTypeUser, &past)
		fake.failRefresh("tok-late", &ProviderError{Op: OpRefresh, Provider: "fake", Transient: true})

		res := env.svc.Refresh(ctx, "late", "fake")
		assert.True(t, res.NeedsReauth)
	})

	t.Run("system user is skipped", func(t *testing.T) {
		seedConnection(t, env, "sys", "fake", "tok-sys", model.TokenTypeSystemUser, nil)
		before := fake.refreshes.Load()

		res := env.svc.Refresh(ctx, "sys", "fake")
		assert.True(t, res.Success)
		assert.True(t, res.Skipped)
		assert.Equal(t, before, fake.refreshes.Load())
	})

	t.Run("missing connection", func(t *testing.T) {
		res := env.svc.Refresh(ctx, "nobody", "fake")
		assert.False(t, res.Success)
		assert.Equal(t, ErrNotConnected.Error(), res.Error)
	})
}

func TestRefreshDue_FiveMinuteCadenceKeepsHourTokensValid(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "fake", model.Account{ID: "act_1"})
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	authURL, err := env.svc.StartOAuth(ctx, "fake", "t1", "/settings")
	require.NoError(t, err)
	_, err = env.svc.CompleteOAuth(ctx, "fake", "c", stateFrom(t, authURL))
	require.NoError(t, err)

	refreshed := 0
	for tick := 1; tick <= 36; tick++ {
		env.clock.Advance(5 * time.Minute)
		batch, err := env.svc.RefreshDue(ctx)
		require.NoError(t, err)
		refreshed += batch.Succeeded
		_, err = env.svc.GetAccessToken(ctx, "t1", "fake")
		require.NoError(t, err, "tick %d", tick)
	}
	assert.Equal(t, 3, refreshed)
}

func TestRefreshDue_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t, Options{RefreshConcurrency: 3})
	fake := newFake(env.clock, "fake")
	env.svc.providers = NewRegistry(fake)
	ctx := context.Background()

	const n, failing = 12, 5
	exp := env.clock.Now().Add(time.Minute)
	for i := 0; i < n; i++ {
		seedConnection(t, env, fmt.Sprintf("tenant-%02d", i), "fake", fmt.Sprintf("tok-%02d", i), model.TokenTypeUser, &exp)
	}
	fake.failRefresh(fmt.Sprintf("tok-%02d", failing), &ProviderError{Op: OpRefresh, Provider: "fake", Status: 401})

	far := env.clock.Now().Add(30 * 24 * time.Hour)
	seedConnection(t, env, "not-due", "fake", "tok-far", model.TokenTypeUser, &far)
	seedConnection(t, env, "system", "fake", "tok-sys", model.TokenTypeSystemUser, nil)
	seedConnection(t, env, "flagged", "fake", "tok-flagged", model.TokenTypeUser, &exp)
	require.NoError(t, env.store.MarkReauth(ctx, "flagged", "fake", "reconnect required"))

	batch, err := env.svc.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, batch.Attempted)
	assert.Equal(t, n-1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 1, batch.Skipped)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, fmt.Sprintf("tenant-%02d", failing), batch.Failures[0].TenantID)

	for i := 0; i < n; i++ {
		conn, _ := env.store.Get(ctx, fmt.Sprintf("tenant-%02d", i), "fake")
		assert.Equal(t, i == failing, conn.NeedsReauth, "tenant %d", i)
	}
}

func TestConnectSystemUser(t *testing.T) {
	env := newTestEnv(t, Options{})
	fake := newFake(env.clock, "meta", model.Account{ID: "act_9", Name: "Biz"})
	env.svc.providers = NewRegistry(introspectingProvider{fake})
	ctx := context.Background()

	fake.introspect = &TokenInfo{Valid: true, Type: "SYSTEM_USER", Scopes: []string{"ads_read"}}
	res, err := env.svc.ConnectSystemUser(ctx, "t1", "meta", "sys-token")
	require.NoError(t, err)
	assert.True(t, res.Connected)

	conn, _ := env.store.Get(ctx, "t1", "meta")
	assert.Equal(t, model.TokenTypeSystemUser, conn.TokenType)
	assert.Nil(t, conn.TokenExpiresAt)
	assert.Equal(t, model.StatusActive, conn.Status)
	assert.False(t, env.svc.NeedsRefresh(conn))

	exp := env.clock.Now().Add(time.Hour)
	fake.introspect = &TokenInfo{Valid: true, ExpiresAt: &exp}
	_, err = env.svc.ConnectSystemUser(ctx, "t2", "meta", "user-token")
	assert.ErrorIs(t, err, ErrIntrospect)

	fake.introspect = &TokenInfo{Valid: false}
	_, err = env.svc.ConnectSystemUser(ctx, "t2", "meta", "bad-token")
	assert.ErrorIs(t, err, ErrIntrospect)

	env.svc.providers = NewRegistry(fake)
	_, err = env.svc.ConnectSystemUser(ctx, "t1", "meta", "sys-token")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestStatusAndDisconnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.svc.providers = NewRegistry(newFake(env.clock, "a"), newFake(env.clock, "b"))
	ctx := context.Background()
	exp := env.clock.Now().Add(time.Hour)
	seedConnection(t, env, "t1", "b", "tok-b", model.TokenTypeUser, &exp)
	seedConnection(t, env, "t1", "a", "tok-a", model.TokenTypeUser, &exp)

	views, err := env.svc.Status(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0].Provider)
	assert.Equal(t, model.StatusActive, views[1].Status)

	require.NoError(t, env.svc.Disconnect(ctx, "t1", "a"))
	conn, err := env.store.Get(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Nil(t, conn)

	views, _ = env.svc.Status(ctx, "t1")
	assert.Len(t, views, 1)
}

func TestConnectionsProbe(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.svc.providers = NewRegistry(newFake(env.clock, "meta"))
	ctx := context.Background()

	soon := env.clock.Now().Add(36 * time.Hour)
	later := env.clock.Now().Add(20 * 24 * time.Hour)
	seedConnection(t, env, "t1", "meta", "a", model.TokenTypeLongLived, &soon)
	seedConnection(t, env, "t2", "meta", "b", model.TokenTypeLongLived, &later)
	seedConnection(t, env, "t3", "meta", "c", model.TokenTypeSystemUser, nil)
	seedConnection(t, env, "t4", "meta", "d", model.TokenTypeLongLived, &later)
	require.NoError(t, env.store.MarkReauth(ctx, "t4", "meta", "reconnect required"))

	// Long-lived tokens carry no refresh token.
	for _, tenant := range []string{"t1", "t2", "t4"} {
		conn, _ := env.store.Get(ctx, tenant, "meta")
		conn.RefreshTokenEncrypted = ""
		require.NoError(t, env.store.Upsert(ctx, conn))
	}

	probes := env.svc.Probes()
	require.Len(t, probes, 1)
	p := probes[0]
	assert.Equal(t, "integrations:meta", p.Name())
	assert.Equal(t, "integrations", p.Category())

	metrics, err := p.Probe(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics["reauthRequired"])
	assert.Equal(t, 1.5, metrics["tokenExpiryDays"])

	metrics, err = p.Probe(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, metrics["reauthRequired"])
	assert.Equal(t, 20.0, metrics["tokenExpiryDays"])

	metrics, err = p.Probe(ctx, "t3")
	require.NoError(t, err)
	assert.NotContains(t, metrics, "tokenExpiryDays")
}

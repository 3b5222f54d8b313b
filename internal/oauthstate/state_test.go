package oauthstate

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-state"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSigner(t *testing.T, clock *fakeClock, opts ...Option) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestNewSigner_RejectsWeakSecret(t *testing.T) {
	_, err := NewSigner("")
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewSigner("short-secret")
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestCreateValidate_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestSigner(t, clock)

	cases := []struct{ tenant, ret string }{
		{"t1", "https://app/x"},
		{"8c7e0e1e-2d0b-4f4e-9d43-0e8b1c0f6a11", "/settings/integrations?tab=ads&x=1"},
		{"tenant with spaces", ""},
		{"ünï", "https://shop.example.com/ü?q=\"quoted\""},
	}
	for _, tc := range cases {
		state, payload, err := s.Create(tc.tenant, "meta", tc.ret)
		require.NoError(t, err)
		assert.NotContains(t, state, "=")
		assert.NotContains(t, state, "+")
		assert.NotContains(t, state, "/")

		got, err := s.Validate(state)
		require.NoError(t, err)
		assert.Equal(t, tc.tenant, got.TenantID)
		assert.Equal(t, tc.ret, got.ReturnURL)
		assert.Equal(t, "meta", got.Provider)
		assert.Equal(t, payload.Nonce, got.Nonce)
		assert.Equal(t, clock.t.UnixMilli(), got.IssuedAt)
	}
}

func TestCreate_NonceUnique(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		_, p, err := s.Create("t1", "google", "/x")
		require.NoError(t, err)
		assert.False(t, seen[p.Nonce])
		seen[p.Nonce] = true
	}
}

func TestCreate_RequiresTenant(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()})
	_, _, err := s.Create("  ", "meta", "/x")
	assert.Error(t, err)
}

func TestValidate_TamperRejected(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()})
	state, _, err := s.Create("t1", "meta", "https://app/x")
	require.NoError(t, err)

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_."
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		pos := rng.Intn(len(state))
		b := []byte(state)
		for {
			c := alphabet[rng.Intn(len(alphabet))]
			if c != b[pos] {
				b[pos] = c
				break
			}
		}
		_, err := s.Validate(string(b))
		require.ErrorIs(t, err, ErrInvalidState, "mutation at %d: %s", pos, string(b))
	}
}

func TestValidate_EveryPositionRejected(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()})
	state, _, err := s.Create("t1", "meta", "https://app/x")
	require.NoError(t, err)

	for pos := 0; pos < len(state); pos++ {
		b := []byte(state)
		if b[pos] == 'A' {
			b[pos] = 'B'
		} else {
			b[pos] = 'A'
		}
		_, err := s.Validate(string(b))
		assert.ErrorIs(t, err, ErrInvalidState, "position %d", pos)
	}
}

func TestValidate_Malformed(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()})
	for _, in := range []string{"", ".", "abc", "abc.", ".abc", "a.b.c", "!!!.###"} {
		_, err := s.Validate(in)
		assert.ErrorIs(t, err, ErrInvalidState, in)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestSigner(t, clock)
	other, err := NewSigner(strings.Repeat("z", 40), WithClock(clock.Now))
	require.NoError(t, err)

	state, _, err := other.Create("t1", "meta", "/x")
	require.NoError(t, err)

	_, err = s.Validate(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestValidate_Expired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestSigner(t, clock)

	state, _, err := s.Create("t1", "meta", "/x")
	require.NoError(t, err)

	clock.Advance(DefaultMaxAge - time.Second)
	_, err = s.Validate(state)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = s.Validate(state)
	assert.ErrorIs(t, err, ErrExpiredState)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, ErrInvalidState.Error(), err.Error())
}

func TestValidate_CustomMaxAge(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestSigner(t, clock, WithMaxAge(time.Minute))
	assert.Equal(t, time.Minute, s.MaxAge())

	state, _, err := s.Create("t1", "meta", "/x")
	require.NoError(t, err)
	clock.Advance(61 * time.Second)
	_, err = s.Validate(state)
	assert.ErrorIs(t, err, ErrExpiredState)
}

func TestValidate_FutureDated(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestSigner(t, clock)

	state, _, err := s.Create("t1", "meta", "/x")
	require.NoError(t, err)
	clock.Advance(-5 * time.Minute)

	_, err = s.Validate(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifier(t *testing.T) {
	s := newTestSigner(t, &fakeClock{t: time.Now()}, WithRandom(bytes.NewReader(bytes.Repeat([]byte{7}, 64))))

	_, p, err := s.Create("t1", "klaviyo", "/x")
	require.NoError(t, err)

	v1 := s.Verifier(p)
	v2 := s.Verifier(p)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 43)

	p.Nonce = "other"
	assert.NotEqual(t, v1, s.Verifier(p))
}

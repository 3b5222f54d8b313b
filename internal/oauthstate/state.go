// Package oauthstate issues and verifies the signed, time-limited state parameter
// carried through third-party OAuth redirects.
//
// A token is base64url(json payload) "." base64url(HMAC-SHA256(secret, encoded payload)).
// The token is the only continuity between OAuth start and callback; nothing is stored server side.
package oauthstate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// DefaultMaxAge bounds how long a user may spend at the provider's consent screen.
	DefaultMaxAge = 10 * time.Minute
	// MinSecretLength is the shortest signing secret accepted.
	MinSecretLength = 32

	nonceBytes = 16
	clockSkew  = time.Minute
)

// Both rejection errors carry the same message so callers that surface Error()
// do not reveal whether the signature or the age check failed.
var (
	ErrInvalidState = errors.New("oauth state is invalid or expired")
	ErrExpiredState = errors.New("oauth state is invalid or expired")
	ErrWeakSecret   = fmt.Errorf("oauth state secret must be at least %d bytes", MinSecretLength)
)

var encoding = base64.RawURLEncoding.Strict()

// Payload is the signed content of a state token.
type Payload struct {
	TenantID  string `json:"tid"`
	Provider  string `json:"prv,omitempty"`
	ReturnURL string `json:"ret"`
	Nonce     string `json:"n"`
	IssuedAt  int64  `json:"iat"`
}

// IssuedTime returns IssuedAt as a time.Time.
func (p Payload) IssuedTime() time.Time {
	return time.UnixMilli(p.IssuedAt)
}

// Signer creates and validates state tokens with a single secret.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
	rand   io.Reader
}

// Option configures a Signer.
type Option func(*Signer)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithRandom injects the nonce source.
func WithRandom(r io.Reader) Option {
	return func(s *Signer) { s.rand = r }
}

// NewSigner refuses empty or short secrets; signing with a weak key is a configuration error.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	s := &Signer{
		secret: []byte(secret),
		maxAge: DefaultMaxAge,
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxAge reports the validation window.
func (s *Signer) MaxAge() time.Duration { return s.maxAge }

// Create builds a state token for tenantID and returnURL bound to provider.
func (s *Signer) Create(tenantID, provider, returnURL string) (string, Payload, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", Payload{}, errors.New("tenant id is required")
	}

	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", Payload{}, fmt.Errorf("generate nonce: %w", err)
	}

	payload := Payload{
		TenantID:  tenantID,
		Provider:  provider,
		ReturnURL: returnURL,
		Nonce:     encoding.EncodeToString(nonce),
		IssuedAt:  s.now().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, fmt.Errorf("encode state payload: %w", err)
	}

	encoded := encoding.EncodeToString(body)
	return encoded + "." + encoding.EncodeToString(s.sign(encoded)), payload, nil
}

// Validate checks the signature first and only then trusts the payload to check its age.
func (s *Signer) Validate(state string) (*Payload, error) {
	encoded, sigPart, ok := strings.Cut(state, ".")
	if !ok || encoded == "" || sigPart == "" || strings.Contains(sigPart, ".") {
		return nil, ErrInvalidState
	}

	sig, err := encoding.DecodeString(sigPart)
	if err != nil {
		return nil, ErrInvalidState
	}
	if !hmac.Equal(sig, s.sign(encoded)) {
		return nil, ErrInvalidState
	}

	body, err := encoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidState
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrInvalidState
	}
	if payload.TenantID == "" || payload.Nonce == "" {
		return nil, ErrInvalidState
	}

	now := s.now()
	issued := payload.IssuedTime()
	if issued.After(now.Add(clockSkew)) {
		return nil, ErrInvalidState
	}
	if now.Sub(issued) > s.maxAge {
		return nil, ErrExpiredState
	}

	return &payload, nil
}

// Verifier derives a PKCE code verifier from the payload nonce. Only the holder of
// the signing secret can recompute it, so the verifier never travels in the URL.
func (s *Signer) Verifier(p Payload) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("pkce:" + p.Nonce))
	return encoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}

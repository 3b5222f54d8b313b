package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultHTTPTimeout bounds every provider call.
const DefaultHTTPTimeout = 20 * time.Second

// limitedTransport waits on a token bucket before each request so a refresh batch
// cannot burst through a provider's quota.
type limitedTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// NewHTTPClient returns a client with a hard timeout and, when perSecond > 0, an
// outbound rate limit.
func NewHTTPClient(timeout time.Duration, perSecond float64, burst int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	var transport http.RoundTripper = http.DefaultTransport
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		transport = &limitedTransport{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), next: transport}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// withClient makes golang.org/x/oauth2 use client for token endpoint calls.
func withClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// oauthError maps an oauth2 library error onto a ProviderError.
func oauthError(op, provider string, err error) *ProviderError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := re.ErrorCode
		if re.ErrorDescription != "" {
			msg += ": " + re.ErrorDescription
		}
		if msg == "" {
			msg = string(re.Body)
		}
		pe := statusError(op, provider, re.Response.StatusCode, msg)
		pe.Err = err
		return pe
	}
	return networkError(op, provider, err)
}

// doJSON sends req and decodes a 2xx JSON body into out. Non-2xx responses become
// status-coded ProviderErrors carrying a truncated body.
func doJSON(client *http.Client, req *http.Request, op, provider string, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return networkError(op, provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return networkError(op, provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, provider, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Op: op, Provider: provider, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func fromOAuthToken(t *oauth2.Token, tokenType string) *Token {
	out := &Token{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, TokenType: tokenType}
	if !t.Expiry.IsZero() {
		exp := t.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	if scope, ok := t.Extra("scope").(string); ok && scope != "" {
		out.Scopes = splitScopes(scope)
	}
	return out
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

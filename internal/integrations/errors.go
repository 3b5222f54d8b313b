package integrations

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTokenExchange     = errors.New("token exchange failed")
	ErrAccountFetch      = errors.New("account fetch failed")
	ErrTokenRefresh      = errors.New("token refresh failed")
	ErrIntrospect        = errors.New("token introspection failed")
	ErrReauthRequired    = errors.New("reconnect required")
	ErrTokenExpired      = errors.New("access token expired")
	ErrNotConnected      = errors.New("provider not connected")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrNotSupported      = errors.New("operation not supported by provider")
	ErrInvalidReturnURL  = errors.New("return url not allowed")
	ErrMissingCode       = errors.New("authorization code is required")
	ErrAccountNotOffered = errors.New("account was not offered by the provider")
)

// Provider operations, used as ProviderError.Op.
const (
	OpExchange   = "exchange"
	OpLongLived  = "long_lived"
	OpAccounts   = "accounts"
	OpRefresh    = "refresh"
	OpIntrospect = "introspect"
)

// ProviderError is a failed call to a provider endpoint. errors.Is matches it against
// the sentinel for its operation, so callers can tell a failed exchange from a failed
// account fetch without string matching.
type ProviderError struct {
	Op       string
	Provider string
	// Status is the HTTP status, 0 when the request never got a response.
	Status int
	// Transient marks failures worth retrying on the next schedule: 5xx, 429, timeouts.
	Transient bool
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTokenExchange:
		return e.Op == OpExchange || e.Op == OpLongLived
	case ErrAccountFetch:
		return e.Op == OpAccounts
	case ErrTokenRefresh:
		return e.Op == OpRefresh
	case ErrIntrospect:
		return e.Op == OpIntrospect
	}
	return false
}

// transientStatus reports whether an HTTP status is worth retrying later.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func statusError(op, provider string, status int, body string) *ProviderError {
	if len(body) > 512 {
		body = body[:512]
	}
	return &ProviderError{Op: op, Provider: provider, Status: status, Transient: transientStatus(status), Message: body}
}

// networkError wraps a failure to get any response; those are always transient.
func networkError(op, provider string, err error) *ProviderError {
	return &ProviderError{Op: op, Provider: provider, Transient: true, Err: err}
}

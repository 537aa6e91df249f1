package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/marketstream/internal/auth"
)

// Authentication failures, mapped to 401 and 403.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotConfigured   = errors.New("brokerage account not connected")
)

// Authenticator identifies the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuthenticator trusts an identity header set by the authenticating
// proxy and requires the user to hold an unexpired brokerage credential.
type HeaderAuthenticator struct {
	Header   string
	Provider auth.Provider
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := r.Header.Get(a.Header)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if a.Provider == nil {
		return userID, nil
	}
	cred, err := a.Provider.Session(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrExpired) {
			return "", ErrNotConfigured
		}
		return "", err
	}
	if cred == nil || cred.Expired(time.Now()) {
		return "", ErrNotConfigured
	}
	return userID, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotConfigured):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

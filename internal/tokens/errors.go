// Package tokens keeps per-identity OAuth2 credentials valid: it serves
// cached access tokens, refreshes them against the Microsoft identity
// platform when they near expiry, sweeps the whole credential pool on a
// schedule, and runs the authorization-code login that creates a credential.
package tokens

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure of one token acquisition is terminal for
// that attempt only; the next call starts over.
var (
	ErrNoCredential      = errors.New("tokens: no stored credential")
	ErrNoRefreshToken    = errors.New("tokens: credential has no refresh token")
	ErrTransport         = errors.New("tokens: token endpoint request failed")
	ErrMalformedResponse = errors.New("tokens: token endpoint returned a non-JSON body")
	ErrMissingToken      = errors.New("tokens: token response is missing access_token or refresh_token")
	ErrTokenEndpoint     = errors.New("tokens: token endpoint rejected the request")
	ErrNoIdentityClaim   = errors.New("tokens: token carries no identity claim")
)

// EndpointError is an error response from the token endpoint. It unwraps
// to ErrTokenEndpoint.
type EndpointError struct {
	StatusCode  int
	Code        string // OAuth2 "error" field, e.g. invalid_grant
	Description string // OAuth2 "error_description" field
}

func (e *EndpointError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("tokens: token endpoint returned HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("tokens: token endpoint returned HTTP %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

func (e *EndpointError) Unwrap() error {
	return ErrTokenEndpoint
}

// IsTerminal reports whether err means the stored refresh token can no
// longer be used and the identity has to log in again.
func IsTerminal(err error) bool {
	if errors.Is(err, ErrNoRefreshToken) {
		return true
	}

	var epErr *EndpointError

	return errors.As(err, &epErr) && epErr.Code == "invalid_grant"
}

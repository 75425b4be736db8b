package webhook

import (
	"crypto/subtle"

	"agent-spawner/internal/domain"
)

// TokenAuth checks the X-Buildkite-Token header against a shared secret
// using constant-time comparison.
type TokenAuth struct {
	token []byte
}

// NewTokenAuth creates a TokenAuth. An empty token rejects every request.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token)}
}

// Authenticate returns nil if token matches.
func (a *TokenAuth) Authenticate(token string) error {
	if len(a.token) == 0 || subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return domain.ErrWebhookAuthFailed
	}
	return nil
}

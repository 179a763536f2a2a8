// Package auth defines the bearer-token collaborator consumed by the
// SimCloud client. Token acquisition and refresh are the provider's
// responsibility; the client only asks for a currently valid credential.
package auth

import "context"

// TokenSource supplies a currently valid bearer token on demand.
// Implementations must be safe for concurrent use.
type TokenSource interface {
	// Token returns a credential valid for immediate use.
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential. Intended for
// tests and short-lived scripts where refresh does not matter.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

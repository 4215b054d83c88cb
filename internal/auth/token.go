// ============================================================================
// zbworker auth - bearer tokens for gateway calls
// ============================================================================
//
// Package: internal/auth
// File: token.go
// Purpose: Token model, provider and store abstractions
//
// Resolution order for OAuthProvider.Token:
//   1. in-memory cache (only while now < expiry - skew)
//   2. durable store (FileStore / RedisStore), if configured
//   3. fresh client-credentials request to the authorization server
//
// Cached tokens are evicted by a renewal timer armed at expiry - skew.
// They are never served by a lazy expiry check.
//
// ============================================================================

package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCredentials is returned when the OAuth configuration is incomplete.
	ErrNoCredentials = errors.New("auth: client id, client secret and token url are required")
	// ErrCacheDirNotWritable is returned when the token cache directory cannot be used.
	ErrCacheDirNotWritable = errors.New("auth: token cache directory is not writable")
	// ErrTokenRequest wraps failures of the authorization server round-trip.
	ErrTokenRequest = errors.New("auth: token request failed")
	// ErrCorruptedToken is returned by stores holding an undecodable token.
	ErrCorruptedToken = errors.New("auth: cached token is corrupted")
	// ErrProviderStopped is returned after Stop has been called.
	ErrProviderStopped = errors.New("auth: token provider stopped")
)

// Token is a bearer token together with its absolute expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// validAt reports whether the token may still be served at now, given the
// renewal skew. A token without expiry is never served.
func (t *Token) validAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" || t.Expiry.IsZero() {
		return false
	}
	return now.Before(t.Expiry.Add(-skew))
}

// Provider supplies access tokens for outbound calls. Implementations must be
// safe for concurrent use; one provider is shared by every channel of a client.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Store persists tokens per credential identity (client id).
// Load returns (nil, nil) when nothing is stored.
type Store interface {
	Load(ctx context.Context, clientID string) (*Token, error)
	Save(ctx context.Context, clientID string, tok *Token) error
	Delete(ctx context.Context, clientID string) error
}

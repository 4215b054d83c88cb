package auth

import (
	"context"
	"encoding/base64"

	"google.golang.org/grpc/credentials"
)

type bearerCredentials struct {
	provider   Provider
	requireTLS bool
}

// PerRPCCredentials attaches "authorization: Bearer <token>" to every call.
// The token is awaited per call, so a provider failure fails only that call
// (gRPC reports it as Unavailable).
func PerRPCCredentials(p Provider, requireTLS bool) credentials.PerRPCCredentials {
	return &bearerCredentials{provider: p, requireTLS: requireTLS}
}

func (c *bearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	tok, err := c.provider.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

func (c *bearerCredentials) RequireTransportSecurity() bool { return c.requireTLS }

// BasicAuth supplies static "authorization: Basic ..." credentials.
type BasicAuth struct {
	Username   string
	Password   string
	RequireTLS bool
}

func (b BasicAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	raw := b.Username + ":" + b.Password
	return map[string]string{
		"authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)),
	}, nil
}

func (b BasicAuth) RequireTransportSecurity() bool { return b.RequireTLS }

// StaticToken is a Provider returning a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Package auth supplies the current session access token. Tokens are looked
// up on every call and never cached, since the session layer may rotate them.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/killallgit/kortix/pkg/config"
)

// TokenSource returns the current access token. An empty token with a nil
// error means the session is anonymous and no credential is attached.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func(ctx context.Context) (string, error)

// AccessToken implements TokenSource
func (f TokenFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token
type StaticToken string

// AccessToken implements TokenSource
func (s StaticToken) AccessToken(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// EnvToken reads the named environment variable on every call
type EnvToken string

// AccessToken implements TokenSource
func (e EnvToken) AccessToken(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// FileToken reads a token file on every call, so an external refresher can
// rewrite it between requests.
type FileToken string

// AccessToken implements TokenSource
func (f FileToken) AccessToken(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Anonymous never attaches a credential
var Anonymous TokenSource = StaticToken("")

// FromConfig picks the token source described by the auth settings
func FromConfig(c config.AuthConfig) TokenSource {
	switch {
	case c.Token != "":
		return StaticToken(c.Token)
	case c.TokenFile != "":
		return FileToken(c.TokenFile)
	case c.TokenEnv != "":
		return EnvToken(c.TokenEnv)
	default:
		return Anonymous
	}
}

// BearerHeader returns the Authorization header value for the current token,
// or "" when the session is anonymous.
func BearerHeader(ctx context.Context, ts TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	token, err := ts.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	return "Bearer " + token, nil
}

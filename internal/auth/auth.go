// Package auth verifies the credential a client presents when opening the
// signaling socket and resolves it to a stable user identity.
package auth

import (
	"errors"
	"net/url"

	"github.com/parlorchat/parlor/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the authenticated principal behind a signaling connection.
// UserID is stable across connections; a user reconnecting (or connecting
// from several tabs) keeps the same UserID. Username is advisory and may be
// empty.
type Identity struct {
	UserID   string
	Username string
}

type Verifier interface {
	VerifyAndExtractIdentity(token string) (Identity, error)
}

// NewVerifier selects the verifier for the configured mode. Prod always
// verifies HS256 signatures; dev trusts the token contents so local clients
// can connect without a token issuer.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.Mode {
	case config.ModeProd:
		return newJWTVerifier(cfg.JWTSecret), nil
	case config.ModeDev:
		return InsecureVerifier{}, nil
	default:
		return nil, errors.New("unsupported mode " + string(cfg.Mode))
	}
}

// TokenFromQuery extracts the signaling credential from the upgrade request
// query string.
func TokenFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// InsecureVerifier is the dev-mode verifier. It performs no signature check:
// a token shaped like a JWT has its payload claims read as-is, and any other
// non-empty token is taken verbatim as the user ID. Never used in prod.
type InsecureVerifier struct{}

func (InsecureVerifier) VerifyAndExtractIdentity(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if parts := strings.Split(token, "."); len(parts) == 3 {
		if payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]any
			if json.Unmarshal(payloadJSON, &claims) == nil {
				if id, err := identityFromClaims(claims); err == nil {
					return id, nil
				}
			}
		}
	}
	return Identity{UserID: token}, nil
}

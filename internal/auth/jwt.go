package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding of a 32-byte HMAC is always 43 chars.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func newJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// VerifyAndExtractIdentity checks the HS256 signature and standard time
// claims, then resolves the user identity: the user ID comes from the "id"
// claim, falling back to "sub"; the display name from "name", falling back
// to "username".
func (v jwtVerifier) VerifyAndExtractIdentity(token string) (Identity, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	headerJSON, err := decodeB64URLStrict(headerB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}

	gotSig, err := decodeB64URLStrict(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Identity{}, ErrInvalidCredentials
	}

	payloadJSON, err := decodeB64URLStrict(payloadB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	claims, err := decodeClaims(payloadJSON)
	if err != nil {
		return Identity{}, err
	}

	now := v.now().Unix()

	exp, ok := claims["exp"]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	expUnix, err := parseUnixTimestamp(exp)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if now >= expUnix {
		return Identity{}, ErrInvalidCredentials
	}

	if nbf, ok := claims["nbf"]; ok {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil {
			return Identity{}, ErrInvalidCredentials
		}
		if now < nbfUnix {
			return Identity{}, ErrInvalidCredentials
		}
	}

	return identityFromClaims(claims)
}

func decodeClaims(payloadJSON []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, ErrInvalidCredentials
	}
	// json.Decoder allows trailing bytes after the first top-level value.
	// Require the payload to be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func identityFromClaims(claims map[string]any) (Identity, error) {
	userID, err := optionalStringClaim(claims, "id")
	if err != nil {
		return Identity{}, err
	}
	if userID == "" {
		if userID, err = optionalStringClaim(claims, "sub"); err != nil {
			return Identity{}, err
		}
	}
	if userID == "" {
		return Identity{}, ErrInvalidCredentials
	}

	username, err := optionalStringClaim(claims, "name")
	if err != nil {
		return Identity{}, err
	}
	if username == "" {
		if username, err = optionalStringClaim(claims, "username"); err != nil {
			return Identity{}, err
		}
	}
	return Identity{UserID: userID, Username: username}, nil
}

// optionalStringClaim returns "" when the claim is absent and fails when it
// is present with a non-string type.
func optionalStringClaim(claims map[string]any, key string) (string, error) {
	raw, ok := claims[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrInvalidCredentials
	}
	return s, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// decodeB64URLStrict decodes canonical base64url without padding. Strict mode
// rejects encodings whose unused trailing bits are non-zero, so a token part
// has exactly one accepted spelling.
func decodeB64URLStrict(raw string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(raw)
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}

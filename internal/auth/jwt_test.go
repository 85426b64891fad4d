package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	headerPart := enc.EncodeToString(headerJSON)
	payloadPart := enc.EncodeToString(payloadJSON)
	signingInput := headerPart + "." + payloadPart

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	signaturePart := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signaturePart
}

func fixedVerifier(secret string, now time.Time) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    func() time.Time { return now },
	}
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"exp":  now.Add(5 * time.Minute).Unix(),
		"id":   "user-1",
		"name": "Ada",
	})

	id, err := v.VerifyAndExtractIdentity(token)
	if err != nil {
		t.Fatalf("VerifyAndExtractIdentity: %v", err)
	}
	if id.UserID != "user-1" || id.Username != "Ada" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestJWTVerifier_FallsBackToSubAndUsername(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp":      now.Add(time.Minute).Unix(),
		"sub":      "user-2",
		"username": "grace",
	})

	id, err := v.VerifyAndExtractIdentity(token)
	if err != nil {
		t.Fatalf("VerifyAndExtractIdentity: %v", err)
	}
	if id.UserID != "user-2" || id.Username != "grace" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp": now.Add(-time.Second).Unix(),
		"id":  "user-1",
	})

	if _, err := v.VerifyAndExtractIdentity(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsWrongSignature(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "other-secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp": now.Add(time.Minute).Unix(),
		"id":  "user-1",
	})

	if _, err := v.VerifyAndExtractIdentity(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsNonHS256Alg(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "RS256"}, map[string]any{
		"exp": now.Add(time.Minute).Unix(),
		"id":  "user-1",
	})

	if _, err := v.VerifyAndExtractIdentity(token); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err=%v, want %v", err, ErrUnsupportedJWT)
	}
}

func TestJWTVerifier_RejectsMissingUserID(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp": now.Add(time.Minute).Unix(),
	})

	if _, err := v.VerifyAndExtractIdentity(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsNotYetValidToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp": now.Add(time.Hour).Unix(),
		"nbf": now.Add(time.Minute).Unix(),
		"id":  "user-1",
	})

	if _, err := v.VerifyAndExtractIdentity(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsMalformedTokens(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	for _, token := range []string{
		"",
		"a.b",
		"a.b.c.d",
		"!!!.!!!.!!!",
		"aGVsbG8.aGVsbG8.aGVsbG8",
	} {
		if _, err := v.VerifyAndExtractIdentity(token); err == nil {
			t.Fatalf("token %q accepted", token)
		}
	}
}

func TestInsecureVerifier_ReadsClaimsWithoutSignature(t *testing.T) {
	token := mustJWT(t, "whatever", map[string]any{"alg": "HS256"}, map[string]any{
		"id":   "user-9",
		"name": "Nia",
	})

	id, err := InsecureVerifier{}.VerifyAndExtractIdentity(token)
	if err != nil {
		t.Fatalf("VerifyAndExtractIdentity: %v", err)
	}
	if id.UserID != "user-9" || id.Username != "Nia" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestInsecureVerifier_TreatsOpaqueTokenAsUserID(t *testing.T) {
	id, err := InsecureVerifier{}.VerifyAndExtractIdentity("user-42")
	if err != nil {
		t.Fatalf("VerifyAndExtractIdentity: %v", err)
	}
	if id.UserID != "user-42" || id.Username != "" {
		t.Fatalf("identity=%+v", id)
	}
}

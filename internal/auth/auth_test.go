package auth

import (
	"errors"
	"net/url"
	"testing"

	"github.com/parlorchat/parlor/internal/config"
)

func TestTokenFromQuery(t *testing.T) {
	token, err := TokenFromQuery(url.Values{"token": {"abc"}})
	if err != nil {
		t.Fatalf("TokenFromQuery: %v", err)
	}
	if token != "abc" {
		t.Fatalf("token=%q", token)
	}

	if _, err := TokenFromQuery(url.Values{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
	}
}

func TestNewVerifier_SelectsByMode(t *testing.T) {
	v, err := NewVerifier(config.Config{Mode: config.ModeProd, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("NewVerifier(prod): %v", err)
	}
	if _, ok := v.(jwtVerifier); !ok {
		t.Fatalf("prod verifier is %T, want jwtVerifier", v)
	}

	v, err = NewVerifier(config.Config{Mode: config.ModeDev})
	if err != nil {
		t.Fatalf("NewVerifier(dev): %v", err)
	}
	if _, ok := v.(InsecureVerifier); !ok {
		t.Fatalf("dev verifier is %T, want InsecureVerifier", v)
	}
}

// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// The REST credential scheme (draft-uberti-behave-turn-rest) derives a
// short-lived username/password pair from a secret shared with the TURN
// server:
//
//	username   = <unix_expiry>:<prefix>:<random_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC. The signaling server
// hands these out on the ICE config endpoint so the static TURN secret
// never reaches clients.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type GeneratorConfig struct {
	// SharedSecret matches the TURN server's static-auth-secret.
	SharedSecret string
	// TTL bounds how long a minted credential stays valid.
	TTL time.Duration
	// UsernamePrefix tags minted usernames; must not contain ':'.
	UsernamePrefix string
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be positive")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials tied to an opaque id (for log correlation on
// the TURN side). The id must not contain ':'.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("id must not contain ':'")
	}

	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, id)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom mints credentials with a random id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}

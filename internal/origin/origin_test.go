package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		normalized string
		host       string
		ok         bool
	}{
		{"simple", "https://app.example.com", "https://app.example.com", "app.example.com", true},
		{"uppercase scheme and host", "HTTPS://App.Example.COM", "https://app.example.com", "app.example.com", true},
		{"explicit non-default port", "http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"default http port elided", "http://example.com:80", "http://example.com", "example.com", true},
		{"default https port elided", "https://example.com:443", "https://example.com", "example.com", true},
		{"ipv6 literal", "http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"null origin", "null", "null", "", true},
		{"surrounding whitespace", "  https://example.com  ", "https://example.com", "example.com", true},

		{"empty", "", "", "", false},
		{"no scheme", "example.com", "", "", false},
		{"unsupported scheme", "ftp://example.com", "", "", false},
		{"with path", "https://example.com/app", "", "", false},
		{"with query", "https://example.com?x=1", "", "", false},
		{"with userinfo", "https://user@example.com", "", "", false},
		{"port zero", "http://example.com:0", "", "", false},
		{"port out of range", "http://example.com:70000", "", "", false},
		{"unbracketed ipv6", "http://::1:8080", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, host, ok := Normalize(tc.header)
			if ok != tc.ok {
				t.Fatalf("Normalize(%q) ok = %v, want %v", tc.header, ok, tc.ok)
			}
			if normalized != tc.normalized || host != tc.host {
				t.Fatalf("Normalize(%q) = (%q, %q), want (%q, %q)", tc.header, normalized, host, tc.normalized, tc.host)
			}
		})
	}
}

func TestPolicyPermits_SameHostDefault(t *testing.T) {
	p := NewPolicy(nil)

	if !p.Permits("", "example.com:5000") {
		t.Fatal("absent Origin should be permitted")
	}
	if !p.Permits("http://example.com:5000", "example.com:5000") {
		t.Fatal("same host:port should be permitted")
	}
	if !p.Permits("https://example.com", "example.com:443") {
		t.Fatal("default port on the request side should match")
	}
	if p.Permits("http://evil.example.com", "example.com:5000") {
		t.Fatal("cross-host origin should be rejected")
	}
	if p.Permits("http://example.com:5001", "example.com:5000") {
		t.Fatal("port mismatch should be rejected")
	}
	if p.Permits("null", "example.com:5000") {
		t.Fatal("null origin cannot satisfy the same-host policy")
	}
	if p.Permits("not a url", "example.com:5000") {
		t.Fatal("malformed origin should be rejected")
	}
}

func TestPolicyPermits_Allowlist(t *testing.T) {
	p := NewPolicy([]string{"https://app.example.com", "http://localhost:3000"})

	if !p.Permits("https://app.example.com", "signal.example.com") {
		t.Fatal("allowlisted origin should be permitted regardless of host")
	}
	if !p.Permits("HTTP://LocalHost:3000", "signal.example.com") {
		t.Fatal("allowlist comparison should use the normalized origin")
	}
	if p.Permits("https://other.example.com", "signal.example.com") {
		t.Fatal("non-listed origin should be rejected")
	}

	wildcard := NewPolicy([]string{"*"})
	if !wildcard.Permits("https://anything.example.com", "signal.example.com") {
		t.Fatal("wildcard should permit any valid origin")
	}
	if wildcard.Permits("not a url", "signal.example.com") {
		t.Fatal("wildcard still requires a well-formed origin")
	}
}

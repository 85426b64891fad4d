package origin

import "testing"

func FuzzNormalize(f *testing.F) {
	seeds := []string{
		"https://example.com",
		"http://example.com:8080",
		"http://[::1]:8080",
		"null",
		"ftp://example.com",
		"https://user@example.com",
		"https://example.com:443/",
		"http://::1:8080",
		"  https://Example.COM:443 ",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, header string) {
		normalized, host, ok := Normalize(header)
		if !ok {
			if normalized != "" || host != "" {
				t.Fatalf("rejected input returned non-empty results (%q, %q)", normalized, host)
			}
			return
		}
		if normalized == "null" {
			if host != "" {
				t.Fatalf("null origin returned host %q", host)
			}
			return
		}

		// Normalization must be idempotent: a canonical origin normalizes
		// to itself.
		n2, h2, ok2 := Normalize(normalized)
		if !ok2 || n2 != normalized || h2 != host {
			t.Fatalf("not idempotent: %q -> (%q, %q) -> (%q, %q, %v)", header, normalized, host, n2, h2, ok2)
		}
	})
}

// Package origin validates browser Origin headers for the signaling
// WebSocket endpoint.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides which browser origins may open a signaling WebSocket.
//
// With an explicit allowlist, each entry is either "*" or a normalized
// origin string (scheme://host[:port], default ports elided). With no
// allowlist the policy is same-host: the Origin's host[:port] must equal
// the request's Host header.
type Policy struct {
	allowed []string
}

func NewPolicy(allowedOrigins []string) *Policy {
	return &Policy{allowed: allowedOrigins}
}

// Permits reports whether a request carrying the given Origin header may
// proceed. An absent Origin is permitted: non-browser clients do not send
// one.
func (p *Policy) Permits(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, originHost, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" and anything else without a scheme cannot satisfy the
		// same-host policy.
		return false
	}
	// Scheme is deliberately not compared against the request: behind a
	// TLS-terminating proxy the server sees HTTP while the browser Origin
	// is HTTPS.
	requestHostPort, ok := canonicalHostPort(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == requestHostPort
}

// Normalize validates an Origin header and returns its canonical form
// (scheme://host[:port]) along with the host[:port] portion for same-host
// comparisons. The special value "null" is valid and returned as-is.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// An Origin is just scheme://authority; anything more is malformed.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(strings.ToLower(u.Host), scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHostPort lowercases the hostname, brackets IPv6 literals and
// elides the scheme's default port.
func canonicalHostPort(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitAuthority(raw)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port]. IPv6 literals come back without
// brackets; the port is not validated here and is empty when absent.
func splitAuthority(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}

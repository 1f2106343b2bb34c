package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOrigin reports a URL that cannot serve as an origin.
var ErrInvalidOrigin = errors.New("core: invalid origin")

// NormalizeOrigin reduces a URL to its scheme+host+port origin form.
// Schemes and hosts are lowercased and default ports elided, so
// "HTTPS://Example.com:443/path" and "https://example.com" compare equal.
func NormalizeOrigin(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidOrigin
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidOrigin, parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidOrigin)
	}
	port := parsed.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}

// SameOrigin reports whether two URLs share an exact scheme+host+port origin
// after normalization. Host comparison is whole-label: a suffix lookalike
// such as example.com.evil never matches example.com.
func SameOrigin(a, b string) bool {
	na, err := NormalizeOrigin(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeOrigin(b)
	if err != nil {
		return false
	}
	return na == nb
}

// OriginHost extracts the lowercased hostname of an origin URL.
func OriginHost(raw string) (string, error) {
	normalized, err := NormalizeOrigin(raw)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	return parsed.Hostname(), nil
}

// HostMatchesDomain reports whether host equals the domain or is a proper
// subdomain of it. Matching is label-aligned so "evilexample.com" does not
// match "example.com".
func HostMatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if host == "" || domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

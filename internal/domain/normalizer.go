package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var ErrInvalidHost = errors.New("invalid host")

// Normalize takes a page URL as the browser reports it and splits it into a
// canonical host plus the untouched path, query and fragment.
func Normalize(raw string) (NormalizedURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NormalizedURL{}, fmt.Errorf("empty url")
	}

	i := strings.Index(raw, "://")
	if i <= 0 {
		return NormalizedURL{}, fmt.Errorf("url must contain scheme")
	}

	schemePart := raw[:i]
	rest := raw[i+3:]
	if rest == "" {
		return NormalizedURL{}, fmt.Errorf("empty host")
	}

	var scheme string
	switch {
	case strings.EqualFold(schemePart, "http"):
		scheme = "http"
	case strings.EqualFold(schemePart, "https"):
		scheme = "https"
	default:
		return NormalizedURL{}, fmt.Errorf("unsupported scheme: %s", schemePart)
	}

	var fragment, query string
	if h := strings.IndexByte(rest, '#'); h != -1 {
		fragment = rest[h+1:]
		rest = rest[:h]
	}
	if q := strings.IndexByte(rest, '?'); q != -1 {
		query = rest[q+1:]
		rest = rest[:q]
	}

	hostport := rest
	p := "/"
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		hostport = rest[:slash]
		p = rest[slash:]
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return NormalizedURL{}, err
	}
	host, err = normalizeHost(host)
	if err != nil {
		return NormalizedURL{}, err
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}

	return NormalizedURL{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     p,
		RawQuery: query,
		Fragment: fragment,
	}, nil
}

// NormalizeHost normalizes a raw host/domain string (no scheme, no path).
// Used when loading domain lists and for hostnames reported by the browser.
func NormalizeHost(raw string) (string, error) {
	host, _, err := splitHostPort(raw)
	if err != nil {
		return "", err
	}
	return normalizeHost(host)
}

func splitHostPort(hostport string) (host, port string, err error) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", "", fmt.Errorf("empty host")
	}

	// Strip userinfo if present: user:pass@host
	if at := strings.LastIndexByte(hostport, '@'); at != -1 {
		hostport = hostport[at+1:]
	}

	host = hostport
	if strings.Contains(hostport, ":") {
		if h, p, err := net.SplitHostPort(hostport); err == nil {
			host, port = h, p
		}
	}
	return host, port, nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)

	// Drop trailing dot: "example.com." → "example.com".
	host = strings.TrimSuffix(host, ".")

	// IPv6 literals come wrapped in brackets: "[2001:db8::1]".
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	if host == "" {
		return "", fmt.Errorf("empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if !isASCII(host) {
		asciiHost, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("idna: %w", err)
		}
		host = asciiHost
	}
	host = strings.ToLower(host)

	if !validHostname(host) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return host, nil
}

// validHostname checks RFC 1123 label syntax.
func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

package domain

import (
	"net"
	"strings"
)

// Match reports the member of set that host belongs to. A host matches a
// member when it is equal to it or is a subdomain of it, so
// "sub.example.com" matches "example.com" but "notexample.com" does not.
// The most specific member wins. IP members match only exactly, never as
// a suffix of a longer dotted host.
func Match(set *Set, host string) (string, bool) {
	if set == nil || set.Len() == 0 || host == "" {
		return "", false
	}

	// IP literals only match exactly.
	if ip := net.ParseIP(host); ip != nil {
		if set.Contains(ip.String()) {
			return ip.String(), true
		}
		return "", false
	}

	for {
		if set.Contains(host) && net.ParseIP(host) == nil {
			return host, true
		}

		j := strings.IndexByte(host, '.')
		if j == -1 {
			break
		}
		host = host[j+1:]
	}

	return "", false
}

// IsSubdomainOf reports whether host equals parent or sits under it on a
// label boundary.
func IsSubdomainOf(host, parent string) bool {
	if host == "" || parent == "" {
		return false
	}
	if host == parent {
		return true
	}
	if net.ParseIP(parent) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+parent)
}

package domain

import (
	"sort"
	"time"
)

// Set is the in-memory representation of the proxy-eligible domain list.
// A Set is never mutated after construction; refreshes build a new one.
type Set struct {
	members map[string]struct{}
	sorted  []string

	// UpdatedAt is the moment the list was obtained from its source.
	UpdatedAt time.Time
	Source    Source
}

// Source tells where the current list came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// NewSet builds a Set from already normalized hostnames. Duplicates and
// empty strings are dropped.
func NewSet(hosts []string, src Source, updatedAt time.Time) *Set {
	s := &Set{
		members:   make(map[string]struct{}, len(hosts)),
		UpdatedAt: updatedAt,
		Source:    src,
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if _, ok := s.members[h]; ok {
			continue
		}
		s.members[h] = struct{}{}
		s.sorted = append(s.sorted, h)
	}
	sort.Strings(s.sorted)
	return s
}

// EmptySet returns a set with no members.
func EmptySet() *Set {
	return NewSet(nil, SourceNone, time.Time{})
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sorted)
}

func (s *Set) Contains(host string) bool {
	if s == nil {
		return false
	}
	_, ok := s.members[host]
	return ok
}

// Domains returns a copy of the members in lexical order.
func (s *Set) Domains() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// NormalizedURL is the parsed form of a visited page URL.
type NormalizedURL struct {
	Scheme   string // "http" or "https"
	Host     string // example.com
	Port     string // empty when default or absent
	Path     string // escaped path, "/" when absent
	RawQuery string // without "?"
	Fragment string // without "#"
}

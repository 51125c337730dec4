package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Keys shared with the browser extension's storage layout.
const (
	KeyDomains          = "domains"
	KeyLastUpdate       = "lastUpdate"
	KeyDismissedDomains = "dismissedDomains"
)

// LoadDomains returns the persisted domain list and the time it was
// refreshed. ok is false when nothing has been persisted yet.
func (s *Store) LoadDomains(ctx context.Context) (domains []string, updatedAt time.Time, ok bool, err error) {
	raw, found, err := s.Get(ctx, KeyDomains)
	if err != nil || !found {
		return nil, time.Time{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &domains); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode %s: %w", KeyDomains, err)
	}

	ts, found, err := s.Get(ctx, KeyLastUpdate)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if found {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decode %s: %w", KeyLastUpdate, err)
		}
		updatedAt = time.UnixMilli(ms)
	}
	return domains, updatedAt, true, nil
}

// SaveDomains persists the list and its refresh time (epoch milliseconds)
// together.
func (s *Store) SaveDomains(ctx context.Context, domains []string, updatedAt time.Time) error {
	if domains == nil {
		domains = []string{}
	}
	data, err := json.Marshal(domains)
	if err != nil {
		return fmt.Errorf("encode %s: %w", KeyDomains, err)
	}
	return s.SetMany(ctx, map[string]string{
		KeyDomains:    string(data),
		KeyLastUpdate: strconv.FormatInt(updatedAt.UnixMilli(), 10),
	})
}

// Dismissed returns the domains the user opted out of, sorted.
func (s *Store) Dismissed(ctx context.Context) ([]string, error) {
	raw, found, err := s.Get(ctx, KeyDismissedDomains)
	if err != nil || !found {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyDismissedDomains, err)
	}
	sort.Strings(out)
	return out, nil
}

// SaveDismissed replaces the dismissed domain list.
func (s *Store) SaveDismissed(ctx context.Context, domains []string) error {
	if domains == nil {
		domains = []string{}
	}
	data, err := json.Marshal(domains)
	if err != nil {
		return fmt.Errorf("encode %s: %w", KeyDismissedDomains, err)
	}
	return s.Set(ctx, KeyDismissedDomains, string(data))
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
)

var (
	// ErrFetchFailed wraps the last error of a refresh that exhausted its
	// attempts.
	ErrFetchFailed = errors.New("domain list fetch failed")
	// ErrParseFailed means the payload was not a JSON array of strings or
	// held no usable hostname. It is retried like a transport error.
	ErrParseFailed = errors.New("domain list parse failed")
	// ErrRefreshInFlight is returned when a refresh is already running.
	ErrRefreshInFlight = errors.New("refresh already in flight")
)

// maxListBytes bounds the size of a downloaded list.
const maxListBytes = 8 << 20

// Client downloads the remote domain list.
type Client struct {
	url   string
	http  *resty.Client
	log   *zap.Logger
	limit int64
}

func NewClient(listURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:   strings.TrimSpace(listURL),
		limit: maxListBytes,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "ezproxy-redirect/1.0"),
		log: log,
	}
}

// FetchDomains performs one GET of the list. Retrying is the caller's job.
func (c *Client) FetchDomains(ctx context.Context) ([]string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status())
	}

	lr := &io.LimitedReader{R: body, N: c.limit + 1}
	domains, stats, err := ParseDomains(lr)
	if lr.N <= 0 {
		return nil, fmt.Errorf("%w: list exceeds %d bytes", ErrParseFailed, c.limit)
	}
	if err != nil {
		return nil, err
	}

	c.log.Debug("domain list downloaded",
		zap.Int("domains", len(domains)),
		zap.Int("skipped_non_string", stats.NonString),
		zap.Int("skipped_empty", stats.Empty),
		zap.Int("skipped_invalid", stats.Invalid),
	)
	return domains, nil
}

// ParseStats counts the entries ParseDomains dropped.
type ParseStats struct {
	NonString int
	Empty     int
	Invalid   int
}

// ParseDomains reads a JSON array of hostnames. Entries that are not
// non-empty strings or do not normalize to a valid hostname are dropped;
// survivors are lowercased, trimmed and deduplicated in input order. A
// payload that is not a single array, or that yields no hostname, fails
// with ErrParseFailed.
func ParseDomains(r io.Reader) ([]string, ParseStats, error) {
	var stats ParseStats
	dec := json.NewDecoder(r)

	t, err := dec.Token()
	if err != nil {
		return nil, stats, fmt.Errorf("%w: read opening token: %v", ErrParseFailed, err)
	}
	if d, ok := t.(json.Delim); !ok || d != '[' {
		return nil, stats, fmt.Errorf("%w: expected JSON array", ErrParseFailed)
	}

	seen := make(map[string]struct{})
	var domains []string

	for dec.More() {
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, stats, fmt.Errorf("%w: decode entry: %v", ErrParseFailed, err)
		}

		raw, ok := v.(string)
		if !ok {
			stats.NonString++
			continue
		}
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			stats.Empty++
			continue
		}

		host, err := domain.NormalizeHost(raw)
		if err != nil {
			stats.Invalid++
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		domains = append(domains, host)
	}

	if _, err := dec.Token(); err != nil {
		return nil, stats, fmt.Errorf("%w: read closing token: %v", ErrParseFailed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, stats, fmt.Errorf("%w: trailing data after array", ErrParseFailed)
	}

	if len(domains) == 0 {
		return nil, stats, fmt.Errorf("%w: no valid domains in list", ErrParseFailed)
	}
	return domains, stats, nil
}

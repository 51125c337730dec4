package proxyurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
)

// ErrURLBuildFailed means no usable proxy URL could be composed; callers
// must treat it as "no redirect available".
var ErrURLBuildFailed = errors.New("proxy url build failed")

const (
	// StyleSubdomain prepends the rewritten origin host to the proxy host:
	// https://journals-sagepub-com.ezproxy.example.edu/path
	StyleSubdomain = "subdomain"
	// StylePath appends the original URL to the proxy host:
	// https://ezproxy.example.edu/journals.sagepub.com/path
	StylePath = "path"
)

// Transformer turns a matched page URL into its proxied form.
type Transformer struct {
	baseHost string
	style    string
	cache    *SegmentCache
}

func NewTransformer(baseHost, style string) *Transformer {
	if style == "" {
		style = StyleSubdomain
	}
	return &Transformer{
		baseHost: strings.TrimSpace(baseHost),
		style:    style,
		cache:    NewSegmentCache(),
	}
}

// BaseHost returns the proxy host the transformer composes onto.
func (t *Transformer) BaseHost() string {
	return t.baseHost
}

// Segment returns the proxy-safe form of matchedDomain: dots become hyphens.
func (t *Transformer) Segment(matchedDomain string) string {
	return t.cache.Get(matchedDomain)
}

// Reset clears the memoized segments. It is called whenever the domain set
// is replaced.
func (t *Transformer) Reset() {
	t.cache.Reset()
}

// CacheLen reports the number of memoized segments.
func (t *Transformer) CacheLen() int {
	return t.cache.Len()
}

// ToProxyURL composes the proxy URL for originalURL, whose host matched
// matchedDomain.
func (t *Transformer) ToProxyURL(originalURL, matchedDomain string) (string, error) {
	if matchedDomain == "" {
		return "", fmt.Errorf("%w: empty matched domain", ErrURLBuildFailed)
	}

	var composed string
	switch t.style {
	case StylePath:
		c, err := t.composePath(originalURL)
		if err != nil {
			return "", err
		}
		composed = c
	default:
		c, err := t.composeSubdomain(originalURL, matchedDomain)
		if err != nil {
			return "", err
		}
		composed = c
	}

	if err := validate(composed); err != nil {
		return "", err
	}
	return composed, nil
}

func (t *Transformer) composeSubdomain(originalURL, matchedDomain string) (string, error) {
	n, err := domain.Normalize(originalURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrURLBuildFailed, err)
	}

	var b strings.Builder
	b.WriteString(n.Scheme)
	b.WriteString("://")
	b.WriteString(t.Segment(matchedDomain))
	b.WriteByte('.')
	b.WriteString(t.baseHost)
	b.WriteString(n.Path)
	if n.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(n.RawQuery)
	}
	if n.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(n.Fragment)
	}
	return b.String(), nil
}

func (t *Transformer) composePath(originalURL string) (string, error) {
	originalURL = strings.TrimSpace(originalURL)
	i := strings.Index(originalURL, "://")
	if i <= 0 || i+3 >= len(originalURL) {
		return "", fmt.Errorf("%w: url must contain scheme and host", ErrURLBuildFailed)
	}
	withoutScheme := originalURL[i+3:]

	base := t.baseHost
	switch {
	case strings.HasSuffix(base, "="):
		// login?url= style prefixes take the whole original URL.
		return base + originalURL, nil
	case strings.Contains(base, "://"):
		return strings.TrimRight(base, "/") + "/" + withoutScheme, nil
	default:
		return "https://" + strings.TrimRight(base, "/") + "/" + withoutScheme, nil
	}
}

func validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLBuildFailed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrURLBuildFailed, u.Scheme)
	}
	if _, err := domain.NormalizeHost(u.Host); err != nil {
		return fmt.Errorf("%w: %v", ErrURLBuildFailed, err)
	}
	return nil
}

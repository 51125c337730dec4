package proxyurl

import (
	"strings"
	"sync"
)

// SegmentCache memoizes hostname → proxy segment conversions. It is cleared
// in full whenever the domain set is replaced.
type SegmentCache struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewSegmentCache() *SegmentCache {
	return &SegmentCache{data: make(map[string]string)}
}

// Get returns the segment for host, computing and storing it on first use.
func (c *SegmentCache) Get(host string) string {
	c.mu.RLock()
	seg, ok := c.data[host]
	c.mu.RUnlock()
	if ok {
		return seg
	}

	seg = strings.ReplaceAll(host, ".", "-")

	c.mu.Lock()
	c.data[host] = seg
	c.mu.Unlock()
	return seg
}

func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Reset drops every memoized entry.
func (c *SegmentCache) Reset() {
	c.mu.Lock()
	c.data = make(map[string]string)
	c.mu.Unlock()
}

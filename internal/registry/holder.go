package registry

import (
	"sync/atomic"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
)

// Holder publishes the current domain set to concurrent readers. Sets are
// swapped whole, so readers never observe a partial update.
type Holder struct {
	value atomic.Pointer[domain.Set]
}

func NewHolder() *Holder {
	h := &Holder{}
	h.value.Store(domain.EmptySet())
	return h
}

func (h *Holder) Get() *domain.Set {
	return h.value.Load()
}

func (h *Holder) Set(set *domain.Set) {
	if set == nil {
		set = domain.EmptySet()
	}
	h.value.Store(set)
}

// Package navigation coalesces bursts of navigation events per browser tab.
package navigation

import (
	"sync"
	"time"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
)

type pending[T any] struct {
	timer *time.Timer
	gen   uint64
	event T
}

// Debouncer runs fn once per tab after delay has passed without a newer
// event for that tab. Each Notify cancels the check scheduled by the
// previous one, so only the latest event of a burst is handled.
type Debouncer[T any] struct {
	delay   time.Duration
	fn      func(T)
	metrics *metrics.Metrics

	mu      sync.Mutex
	gen     uint64
	pending map[int]*pending[T]
	stopped bool
}

func NewDebouncer[T any](delay time.Duration, fn func(T), m *metrics.Metrics) *Debouncer[T] {
	return &Debouncer[T]{
		delay:   delay,
		fn:      fn,
		metrics: m,
		pending: make(map[int]*pending[T]),
	}
}

// Notify schedules fn(event) for tabID, replacing any check still pending
// for that tab.
func (d *Debouncer[T]) Notify(tabID int, event T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[tabID]; ok {
		p.timer.Stop()
	} else {
		d.metrics.AddPendingChecks(1)
	}

	d.gen++
	gen := d.gen
	p := &pending[T]{gen: gen, event: event}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(tabID, gen) })
	d.pending[tabID] = p
}

// fire runs the handler unless a newer Notify or a Cancel superseded gen.
func (d *Debouncer[T]) fire(tabID int, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[tabID]
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, tabID)
	d.metrics.AddPendingChecks(-1)
	d.mu.Unlock()

	d.fn(p.event)
}

// Cancel drops the pending check of tabID, e.g. when the tab closes.
func (d *Debouncer[T]) Cancel(tabID int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[tabID]; ok {
		p.timer.Stop()
		delete(d.pending, tabID)
		d.metrics.AddPendingChecks(-1)
	}
}

// Pending returns the number of tabs with a scheduled check.
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending check; later Notify calls are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
		d.metrics.AddPendingChecks(-1)
	}
	d.stopped = true
}

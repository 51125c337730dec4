package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
)

func TestHolder_GetSet(t *testing.T) {
	h := NewHolder()

	initial := h.Get()
	if initial == nil {
		t.Fatal("expected non-nil Set from NewHolder")
	}
	if initial.Len() != 0 {
		t.Fatalf("expected empty initial set, got %d domains", initial.Len())
	}

	set := domain.NewSet([]string{"jstor.org"}, domain.SourceRemote, time.Now())
	h.Set(set)

	got := h.Get()
	if got != set || !got.Contains("jstor.org") {
		t.Fatalf("expected stored set to contain jstor.org, got %v", got.Domains())
	}

	h.Set(nil)
	if h.Get() == nil {
		t.Fatal("Set(nil) must store an empty set, not nil")
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	h := NewHolder()
	var wg sync.WaitGroup

	// writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Set(domain.NewSet([]string{"jstor.org", "wiley.com"}, domain.SourceRemote, time.Now()))
		}
	}()

	// readers
	for r := 0; r < 10; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if n := h.Get().Len(); n != 0 && n != 2 {
					t.Errorf("observed partial set of %d domains", n)
					return
				}
			}
		}()
	}

	wg.Wait()
}

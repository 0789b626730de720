package scrape

import (
	"sync"
	"sync/atomic"
)

// TierHistory counts successful fetches per domain and fetcher so the
// chain can start with the fetcher that last worked for a merchant.
type TierHistory struct {
	mu      sync.RWMutex
	domains map[string]map[string]*atomic.Int64
}

// NewTierHistory creates an empty history.
func NewTierHistory() *TierHistory {
	return &TierHistory{domains: make(map[string]map[string]*atomic.Int64)}
}

// Record counts one success of fetcher on domain.
func (h *TierHistory) Record(domain, fetcher string) {
	h.counter(domain, fetcher).Add(1)
}

func (h *TierHistory) counter(domain, fetcher string) *atomic.Int64 {
	h.mu.RLock()
	c, ok := h.domains[domain][fetcher]
	h.mu.RUnlock()
	if ok {
		return c
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.domains[domain]
	if !ok {
		m = make(map[string]*atomic.Int64)
		h.domains[domain] = m
	}
	if c, ok = m[fetcher]; !ok {
		c = new(atomic.Int64)
		m[fetcher] = c
	}
	return c
}

// Best returns the fetcher with the most successes on domain, or "" if
// none is recorded. Ties go to the name that sorts first in order.
func (h *TierHistory) Best(domain string, order []string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.domains[domain]
	best, bestN := "", int64(0)
	for _, name := range order {
		if c, ok := m[name]; ok && c.Load() > bestN {
			best, bestN = name, c.Load()
		}
	}
	return best
}

// Snapshot copies the counts.
func (h *TierHistory) Snapshot() map[string]map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]map[string]int64, len(h.domains))
	for d, m := range h.domains {
		out[d] = make(map[string]int64, len(m))
		for f, c := range m {
			out[d][f] = c.Load()
		}
	}
	return out
}

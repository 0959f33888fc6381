// Package wsgroups assigns symbols to websocket subscription groups where an
// exchange caps subscriptions per connection. Assignment happens at insert
// time: the first non-full group wins; a new group is opened when all are
// full.
package wsgroups

import (
	"sync"

	"github.com/quantfold/tradeflow/internal/exchanges"
)

// Caps per exchange connection. Zero means unbounded (single group).
var defaultCaps = map[exchanges.Canonical]int{
	exchanges.Kucoin: 100,
	exchanges.Bitget: 45,
}

type group struct {
	symbols map[string]struct{}
}

type Manager struct {
	mu     sync.Mutex
	caps   map[exchanges.Canonical]int
	groups map[exchanges.Canonical][]*group
}

func NewManager() *Manager {
	caps := make(map[exchanges.Canonical]int, len(defaultCaps))
	for k, v := range defaultCaps {
		caps[k] = v
	}
	return &Manager{
		caps:   caps,
		groups: make(map[exchanges.Canonical][]*group),
	}
}

// Assign places the symbol and returns its group index. Idempotent: an
// already-assigned symbol keeps its group.
func (m *Manager) Assign(c exchanges.Canonical, symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, g := range m.groups[c] {
		if _, ok := g.symbols[symbol]; ok {
			return i
		}
	}
	limit := m.caps[c]
	for i, g := range m.groups[c] {
		if limit <= 0 || len(g.symbols) < limit {
			g.symbols[symbol] = struct{}{}
			return i
		}
	}
	g := &group{symbols: map[string]struct{}{symbol: {}}}
	m.groups[c] = append(m.groups[c], g)
	return len(m.groups[c]) - 1
}

// Release removes a symbol; its slot becomes available to later inserts.
func (m *Manager) Release(c exchanges.Canonical, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups[c] {
		delete(g.symbols, symbol)
	}
}

// GroupCount reports open groups for an exchange.
func (m *Manager) GroupCount(c exchanges.Canonical) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups[c])
}

// GroupSize reports members of one group.
func (m *Manager) GroupSize(c exchanges.Canonical, idx int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := m.groups[c]
	if idx < 0 || idx >= len(gs) {
		return 0
	}
	return len(gs[idx].symbols)
}

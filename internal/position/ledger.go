package position

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Snapshot returns a deep copy of the ledger.
func (m *Manager) Snapshot() domain.Ledger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l := domain.Ledger{
		Positions:    make(map[string]map[domain.Venue]float64, len(m.positions)),
		Cash:         make(map[string]float64, len(m.cash)),
		AppliedFills: make([]string, 0, len(m.applied)),
		TakenAt:      time.Now().UTC(),
	}
	for sym, venues := range m.positions {
		cp := make(map[domain.Venue]float64, len(venues))
		for v, q := range venues {
			cp[v] = q
		}
		l.Positions[sym] = cp
	}
	for sym, c := range m.cash {
		l.Cash[sym] = c
	}
	for id := range m.applied {
		l.AppliedFills = append(l.AppliedFills, id)
	}
	sort.Strings(l.AppliedFills)
	return l
}

// Restore replaces the ledger with l. Fills listed in l.AppliedFills will be
// treated as already applied.
func (m *Manager) Restore(l domain.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]map[domain.Venue]float64, len(l.Positions))
	for sym, venues := range l.Positions {
		cp := make(map[domain.Venue]float64, len(venues))
		for v, q := range venues {
			cp[v] = q
		}
		m.positions[sym] = cp
		m.updatedAt[sym] = l.TakenAt
	}
	m.cash = make(map[string]float64, len(l.Cash))
	for sym, c := range l.Cash {
		m.cash[sym] = c
	}
	m.applied = make(map[string]struct{}, len(l.AppliedFills))
	for _, id := range l.AppliedFills {
		m.applied[id] = struct{}{}
	}
}

// EncodeLedger serializes a ledger snapshot as JSON.
func EncodeLedger(l domain.Ledger) ([]byte, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("position: encode ledger: %w", err)
	}
	return b, nil
}

// DecodeLedger parses a JSON ledger snapshot.
func DecodeLedger(b []byte) (domain.Ledger, error) {
	var l domain.Ledger
	if err := json.Unmarshal(b, &l); err != nil {
		return domain.Ledger{}, fmt.Errorf("position: decode ledger: %w", err)
	}
	if l.Positions == nil {
		l.Positions = make(map[string]map[domain.Venue]float64)
	}
	if l.Cash == nil {
		l.Cash = make(map[string]float64)
	}
	return l, nil
}

// Ledgers snapshots several managers, typically one per symbol, as a single
// ledger.
type Ledgers []*Manager

// Snapshot merges every manager's snapshot. Symbols are expected to be
// disjoint across managers; if they are not, the later manager wins.
func (ls Ledgers) Snapshot() domain.Ledger {
	out := domain.Ledger{
		Positions: make(map[string]map[domain.Venue]float64),
		Cash:      make(map[string]float64),
		TakenAt:   time.Now().UTC(),
	}
	seen := make(map[string]struct{})
	for _, m := range ls {
		l := m.Snapshot()
		for sym, venues := range l.Positions {
			out.Positions[sym] = venues
		}
		for sym, c := range l.Cash {
			out.Cash[sym] = c
		}
		for _, id := range l.AppliedFills {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out.AppliedFills = append(out.AppliedFills, id)
			}
		}
	}
	sort.Strings(out.AppliedFills)
	return out
}

// ForSymbol narrows l to one symbol's positions and cash. Applied fill ids
// carry no symbol, so all of them are kept.
func ForSymbol(l domain.Ledger, symbol string) domain.Ledger {
	out := domain.Ledger{
		Positions:    make(map[string]map[domain.Venue]float64, 1),
		Cash:         make(map[string]float64, 1),
		AppliedFills: append([]string(nil), l.AppliedFills...),
		TakenAt:      l.TakenAt,
	}
	if venues, ok := l.Positions[symbol]; ok {
		cp := make(map[domain.Venue]float64, len(venues))
		for v, q := range venues {
			cp[v] = q
		}
		out.Positions[symbol] = cp
	}
	if c, ok := l.Cash[symbol]; ok {
		out.Cash[symbol] = c
	}
	return out
}

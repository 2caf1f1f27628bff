package fib

import (
	"log/slog"
	"net/netip"

	"github.com/netauto/goexa/internal/netaddr"
)

// Mirror tracks the routes the agent has installed from BGP learn, as a
// map of prefix to its installed next-hops. The Consumer owns the mirror
// exclusively and mutates it only after a whole batch applied cleanly, so
// a peer reconnect can be reconciled against exactly what is in the
// kernel. Not safe for concurrent use; no outside reader exists.
type Mirror struct {
	routes map[netip.Prefix]map[netip.Addr]struct{}
	logger *slog.Logger
}

// NewMirror creates an empty mirror.
func NewMirror(logger *slog.Logger) *Mirror {
	return &Mirror{
		routes: make(map[netip.Prefix]map[netip.Addr]struct{}),
		logger: logger.With(slog.String("component", "fib.mirror")),
	}
}

// Apply folds one successfully applied intent batch into the mirror and
// returns the add and remove counts. Intents that cannot apply (add with
// no next-hop, remove of an untracked prefix) are logged and skipped.
func (m *Mirror) Apply(batch []Intent) (adds, removes int) {
	for _, intent := range batch {
		switch intent.Op {
		case OpAddRoute:
			if m.applyAdd(intent) {
				adds++
			}
		case OpRemoveRoute:
			if m.applyRemove(intent) {
				removes++
			}
		case OpRemoveAllRoutes:
			removes += m.clear()
		case OpNothing:
		default:
			m.logger.Error("unknown operation, ignoring",
				slog.String("intent", intent.String()),
			)
		}
	}

	m.logger.Info("mirror updated",
		slog.Int("adds", adds),
		slog.Int("removes", removes),
	)
	return adds, removes
}

func (m *Mirror) applyAdd(intent Intent) bool {
	if !intent.NextHop.IsValid() {
		m.logger.Error("learnt route with no next-hop, skipping",
			slog.String("intent", intent.String()),
		)
		return false
	}

	hops, ok := m.routes[intent.Prefix]
	if !ok {
		hops = make(map[netip.Addr]struct{})
		m.routes[intent.Prefix] = hops
	}
	hops[intent.NextHop] = struct{}{}
	return true
}

func (m *Mirror) applyRemove(intent Intent) bool {
	hops, ok := m.routes[intent.Prefix]
	if !ok {
		m.logger.Error("prefix not tracked, nothing removed",
			slog.String("intent", intent.String()),
		)
		return false
	}

	removed := false
	if _, present := hops[intent.NextHop]; present {
		delete(hops, intent.NextHop)
		removed = true
	}

	// Keys with an empty next-hop set are dropped.
	if len(hops) == 0 {
		delete(m.routes, intent.Prefix)
		removed = true
	}

	if !removed {
		m.logger.Error("no deletion took place",
			slog.String("intent", intent.String()),
		)
	}
	return removed
}

// clear empties the mirror, returning the number of dropped prefixes. The
// key list is snapshotted before deleting to avoid iterating a map under
// mutation.
func (m *Mirror) clear() int {
	keys := make([]netip.Prefix, 0, len(m.routes))
	for p := range m.routes {
		keys = append(keys, p)
	}
	for _, p := range keys {
		delete(m.routes, p)
	}

	m.logger.Info("mirror reset, remove_all received",
		slog.Int("dropped", len(keys)),
	)
	return len(keys)
}

// Len returns the number of tracked prefixes.
func (m *Mirror) Len() int {
	return len(m.routes)
}

// NextHops returns a copy of the tracked next-hops for a prefix.
func (m *Mirror) NextHops(prefix netip.Prefix) []netip.Addr {
	hops := make([]netip.Addr, 0, len(m.routes[prefix]))
	for nh := range m.routes[prefix] {
		hops = append(hops, nh)
	}
	return hops
}

// Prefixes returns the tracked prefixes in canonical order.
func (m *Mirror) Prefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(m.routes))
	for p := range m.routes {
		prefixes = append(prefixes, p)
	}
	netaddr.Sort(prefixes)
	return prefixes
}

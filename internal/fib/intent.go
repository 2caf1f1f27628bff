// Package fib programs BGP-learnt routes into host forwarding tables.
//
// The learner translates speaker messages into batches of Intent values,
// queues them, and the Consumer applies each batch to every enabled FIB
// backend while keeping an in-memory mirror of what has been installed.
package fib

import (
	"fmt"
	"net/netip"
)

// Operation is the action an Intent requests against the FIBs.
type Operation int

// Route operations, in wire-arrival order of severity.
const (
	// OpNothing is a no-op placeholder.
	OpNothing Operation = iota

	// OpAddRoute installs (prefix via next-hop). Requires a next-hop.
	OpAddRoute

	// OpRemoveRoute removes exactly (prefix via next-hop). Requires a
	// next-hop.
	OpRemoveRoute

	// OpRemoveAllRoutes removes every agent-installed route, optionally
	// restricted to one next-hop. The intent's prefix is ignored.
	OpRemoveAllRoutes
)

// String returns the operation name for logs and metrics labels.
func (o Operation) String() string {
	switch o {
	case OpNothing:
		return "nothing"
	case OpAddRoute:
		return "add"
	case OpRemoveRoute:
		return "remove"
	case OpRemoveAllRoutes:
		return "remove_all"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Intent is one immutable route mutation request. The zero netip.Addr
// represents an absent next-hop, which only OpRemoveAllRoutes permits.
type Intent struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	Op      Operation
}

// String renders the intent for logs.
func (i Intent) String() string {
	nh := "none"
	if i.NextHop.IsValid() {
		nh = i.NextHop.String()
	}
	return fmt.Sprintf("%s %s via %s", i.Op, i.Prefix, nh)
}

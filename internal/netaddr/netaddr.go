// Package netaddr provides prefix and address helpers shared by the
// announcer and FIB layers: default-route and link-local classification,
// overlap tests, and the canonical prefix ordering used for deterministic
// command emission.
package netaddr

import (
	"net/netip"
	"slices"
)

// Default routes per address family.
var (
	DefaultV4 = netip.MustParsePrefix("0.0.0.0/0")
	DefaultV6 = netip.MustParsePrefix("::/0")
)

// Link-local ranges. RFC 3927 for IPv4, RFC 4291 Section 2.5.6 for IPv6.
var (
	linkLocalV4 = netip.MustParsePrefix("169.254.0.0/16")
	linkLocalV6 = netip.MustParsePrefix("fe80::/10")
)

// IsDefault reports whether p is 0.0.0.0/0 or ::/0.
func IsDefault(p netip.Prefix) bool {
	return p == DefaultV4 || p == DefaultV6
}

// IsLinkLocal reports whether addr falls within 169.254.0.0/16 or fe80::/10.
func IsLinkLocal(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		return linkLocalV4.Contains(addr.Unmap())
	}
	return linkLocalV6.Contains(addr)
}

// IsLinkLocalPrefix reports whether p overlaps a link-local range of its
// own address family.
func IsLinkLocalPrefix(p netip.Prefix) bool {
	if p.Addr().Is4() {
		return linkLocalV4.Overlaps(p)
	}
	return linkLocalV6.Overlaps(p)
}

// Overlaps reports whether a and b are the same address family and share
// any addresses. Cross-family prefixes never overlap.
func Overlaps(a, b netip.Prefix) bool {
	if a.Addr().Is4() != b.Addr().Is4() {
		return false
	}
	return a.Overlaps(b)
}

// Compare orders prefixes by (family, address, length): all IPv4 prefixes
// sort before all IPv6 prefixes, then by network address, then by length.
func Compare(a, b netip.Prefix) int {
	av, bv := 0, 0
	if !a.Addr().Is4() {
		av = 1
	}
	if !b.Addr().Is4() {
		bv = 1
	}
	if av != bv {
		return av - bv
	}
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// Sort orders prefixes in place using Compare.
func Sort(prefixes []netip.Prefix) {
	slices.SortFunc(prefixes, Compare)
}

// Package exabgp translates the BGP speaker's line-delimited JSON messages
// into FIB intents. The package is a pure translator: it never touches the
// speaker channel or any FIB.
package exabgp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/netauto/goexa/internal/fib"
	"github.com/netauto/goexa/internal/netaddr"
)

// SupportedAPIVersion is the only ExaBGP JSON API version this parser
// understands. A mismatch is a deployment bug, not a runtime event.
const SupportedAPIVersion = "4.0.1"

// DefaultFamilies are the address families processed unless configured
// otherwise.
var DefaultFamilies = []string{"ipv4 unicast", "ipv6 unicast"}

// Sentinel errors.
var (
	// ErrUnsupportedAPIVersion indicates the speaker's API version does
	// not match SupportedAPIVersion. Propagated to the coordinator.
	ErrUnsupportedAPIVersion = errors.New("unsupported exabgp API version")

	// ErrMalformed indicates a message that could not be decoded at all.
	// The learner logs it and drops the single message.
	ErrMalformed = errors.New("malformed exabgp message")
)

// -------------------------------------------------------------------------
// Wire Structures — ExaBGP 4.0.1 JSON API
// -------------------------------------------------------------------------

// Message is the top-level speaker message envelope.
type Message struct {
	ExaBGP   string    `json:"exabgp"`
	Type     string    `json:"type"`
	Neighbor *Neighbor `json:"neighbor"`
}

// Neighbor carries the per-peer payload of state and update messages.
type Neighbor struct {
	Address   Address         `json:"address"`
	State     string          `json:"state"`
	Reason    string          `json:"reason"`
	Direction string          `json:"direction"`
	Message   NeighborMessage `json:"message"`
}

// Address identifies the local and peer endpoints of the BGP session.
type Address struct {
	Local string `json:"local"`
	Peer  string `json:"peer"`
}

// NeighborMessage wraps the optional update body.
type NeighborMessage struct {
	Update *Update `json:"update"`
}

// Update is the announce/withdraw body keyed by address family.
// Announce maps family -> next-hop -> NLRIs; Withdraw maps family -> NLRIs.
// The attribute sub-object is irrelevant to route programming and dropped
// at decode time.
type Update struct {
	Announce map[string]map[string][]NLRI `json:"announce"`
	Withdraw map[string][]NLRI            `json:"withdraw"`
}

// NLRI is one announced or withdrawn prefix.
type NLRI struct {
	NLRI string `json:"nlri"`
}

// -------------------------------------------------------------------------
// Parser
// -------------------------------------------------------------------------

// Parser translates decoded speaker messages into ordered intent lists.
// Stateless apart from configuration; safe for use from a single learner
// goroutine.
type Parser struct {
	wantedFamilies map[string]bool
	logger         *slog.Logger
}

// NewParser creates a Parser processing the given address families, or
// DefaultFamilies when none are given.
func NewParser(logger *slog.Logger, families ...string) *Parser {
	if len(families) == 0 {
		families = DefaultFamilies
	}

	wanted := make(map[string]bool, len(families))
	for _, f := range families {
		wanted[f] = true
	}

	return &Parser{
		wantedFamilies: wanted,
		logger:         logger.With(slog.String("component", "exabgp.parser")),
	}
}

// Parse translates one speaker line into FIB intents. healthyPrefixes is
// consulted on peer-up to reannounce locally healthy prefixes.
//
// Error contract: ErrMalformed for undecodable input (drop the message),
// ErrUnsupportedAPIVersion for a version mismatch (fatal). Everything
// else - unknown types, missing keys, unparseable prefixes - is logged
// here and yields an empty list with a nil error.
func (p *Parser) Parse(line []byte, healthyPrefixes []netip.Prefix) ([]fib.Intent, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if msg.ExaBGP != SupportedAPIVersion {
		return nil, fmt.Errorf("version %q, supported %q: %w",
			msg.ExaBGP, SupportedAPIVersion, ErrUnsupportedAPIVersion)
	}

	if msg.Neighbor == nil {
		p.logger.Error("message has no neighbor payload",
			slog.String("type", msg.Type),
		)
		return nil, nil
	}

	switch msg.Type {
	case "state":
		return p.parseState(&msg, healthyPrefixes), nil
	case "update":
		return p.parseUpdate(&msg), nil
	default:
		p.logger.Info("ignoring unhandled message type",
			slog.String("type", msg.Type),
		)
		return nil, nil
	}
}

// parseState handles neighbor state transitions.
//
//   - connected: informational only.
//   - up: reannounce every locally healthy prefix to the fresh peer.
//   - down: one RemoveAllRoutes for everything learnt via the peer.
func (p *Parser) parseState(msg *Message, healthyPrefixes []netip.Prefix) []fib.Intent {
	peer, err := netip.ParseAddr(msg.Neighbor.Address.Peer)
	if err != nil {
		p.logger.Error("state message with unparseable peer",
			slog.String("peer", msg.Neighbor.Address.Peer),
			slog.String("error", err.Error()),
		)
		return nil
	}

	switch msg.Neighbor.State {
	case "connected":
		p.logger.Info("peer connected", slog.String("peer", peer.String()))
		return nil

	case "up":
		if len(healthyPrefixes) == 0 {
			p.logger.Info("peer up, no healthy prefixes to reannounce",
				slog.String("peer", peer.String()),
			)
			return nil
		}

		p.logger.Info("peer up, reannouncing healthy prefixes",
			slog.String("peer", peer.String()),
			slog.Int("prefixes", len(healthyPrefixes)),
		)

		sorted := slices.Clone(healthyPrefixes)
		netaddr.Sort(sorted)

		intents := make([]fib.Intent, 0, len(sorted))
		for _, prefix := range sorted {
			intents = append(intents, fib.Intent{
				Prefix:  prefix,
				NextHop: peer,
				Op:      fib.OpAddRoute,
			})
		}
		return intents

	case "down":
		p.logger.Info("peer down, removing learnt routes",
			slog.String("peer", peer.String()),
			slog.String("reason", msg.Neighbor.Reason),
		)
		return []fib.Intent{{
			Prefix:  netaddr.DefaultV6,
			NextHop: peer,
			Op:      fib.OpRemoveAllRoutes,
		}}

	default:
		p.logger.Info("ignoring neighbor state",
			slog.String("peer", peer.String()),
			slog.String("state", msg.Neighbor.State),
		)
		return nil
	}
}

// parseUpdate walks a received update's announce and withdraw sections.
// Withdraws carry no next-hop on the wire; the peer address substitutes
// because our peers set next-hop-self.
func (p *Parser) parseUpdate(msg *Message) []fib.Intent {
	if msg.Neighbor.Direction != "" && msg.Neighbor.Direction != "receive" {
		return nil
	}

	update := msg.Neighbor.Message.Update
	if update == nil {
		p.logger.Error("update message without update body")
		return nil
	}

	peerRaw := msg.Neighbor.Address.Peer

	var intents []fib.Intent

	for _, family := range sortedKeys(update.Announce) {
		if !p.wantedFamilies[family] {
			p.logger.Debug("ignoring address family",
				slog.String("family", family),
				slog.String("peer", peerRaw),
			)
			continue
		}

		byNextHop := update.Announce[family]
		for _, rawNextHop := range sortedKeys(byNextHop) {
			nextHop, err := netip.ParseAddr(rawNextHop)
			if err != nil {
				p.logger.Error("unable to parse BGP update",
					slog.String("next_hop", rawNextHop),
					slog.String("error", err.Error()),
				)
				return nil
			}

			for _, nlri := range byNextHop[rawNextHop] {
				prefix, err := netip.ParsePrefix(nlri.NLRI)
				if err != nil {
					p.logger.Error("unable to parse BGP update",
						slog.String("nlri", nlri.NLRI),
						slog.String("error", err.Error()),
					)
					return nil
				}
				intents = append(intents, fib.Intent{
					Prefix:  prefix,
					NextHop: nextHop,
					Op:      fib.OpAddRoute,
				})
			}
		}
	}

	for _, family := range sortedKeys(update.Withdraw) {
		if !p.wantedFamilies[family] {
			p.logger.Debug("ignoring address family",
				slog.String("family", family),
				slog.String("peer", peerRaw),
			)
			continue
		}

		peer, err := netip.ParseAddr(peerRaw)
		if err != nil {
			p.logger.Error("unable to parse BGP update",
				slog.String("peer", peerRaw),
				slog.String("error", err.Error()),
			)
			return nil
		}

		for _, nlri := range update.Withdraw[family] {
			prefix, err := netip.ParsePrefix(nlri.NLRI)
			if err != nil {
				p.logger.Error("unable to parse BGP update",
					slog.String("nlri", nlri.NLRI),
					slog.String("error", err.Error()),
				)
				return nil
			}
			intents = append(intents, fib.Intent{
				Prefix:  prefix,
				NextHop: peer,
				Op:      fib.OpRemoveRoute,
			})
		}
	}

	return intents
}

// sortedKeys returns a map's keys in sorted order so emitted intents are
// deterministic regardless of decode order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

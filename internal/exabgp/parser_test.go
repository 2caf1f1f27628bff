package exabgp_test

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/netauto/goexa/internal/exabgp"
	"github.com/netauto/goexa/internal/fib"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newParser() *exabgp.Parser {
	return exabgp.NewParser(discardLogger())
}

// Captured from a live ExaBGP 4.0.1 session.
const updateAnnounceJSON = `{
  "exabgp": "4.0.1",
  "time": 1562873630.5337727,
  "host": "us.example.com",
  "pid": 4734,
  "ppid": 4733,
  "counter": 18,
  "type": "update",
  "neighbor": {
    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
    "asn": {"local": 65069, "peer": 65070},
    "direction": "receive",
    "message": {
      "update": {
        "attribute": {"origin": "igp", "as-path": [65070], "confederation-path": []},
        "announce": {"ipv6 unicast": {"fc00:0:0:69::2": [{"nlri": "70::/32"}]}}
      }
    }
  }
}`

const updateWithdrawJSON = `{
  "exabgp": "4.0.1",
  "time": 1562873772.6388876,
  "host": "us.example.com",
  "pid": 4734,
  "ppid": 4733,
  "counter": 19,
  "type": "update",
  "neighbor": {
    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
    "asn": {"local": 65069, "peer": 65070},
    "direction": "receive",
    "message": {
      "update": {
        "attribute": {"origin": "igp", "as-path": [65070], "confederation-path": []},
        "withdraw": {"ipv6 unicast": [{"nlri": "70::/32"}]}
      }
    }
  }
}`

func mustIntents(t *testing.T, line string, healthy []netip.Prefix) []fib.Intent {
	t.Helper()

	intents, err := newParser().Parse([]byte(line), healthy)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return intents
}

func TestParseAnnounce(t *testing.T) {
	t.Parallel()

	intents := mustIntents(t, updateAnnounceJSON, nil)
	want := []fib.Intent{{
		Prefix:  netip.MustParsePrefix("70::/32"),
		NextHop: netip.MustParseAddr("fc00:0:0:69::2"),
		Op:      fib.OpAddRoute,
	}}

	if len(intents) != 1 || intents[0] != want[0] {
		t.Errorf("Parse(announce) = %v, want %v", intents, want)
	}
}

func TestParseWithdraw(t *testing.T) {
	t.Parallel()

	intents := mustIntents(t, updateWithdrawJSON, nil)
	want := fib.Intent{
		Prefix:  netip.MustParsePrefix("70::/32"),
		NextHop: netip.MustParseAddr("fc00:0:0:69::2"),
		Op:      fib.OpRemoveRoute,
	}

	if len(intents) != 1 || intents[0] != want {
		t.Errorf("Parse(withdraw) = %v, want %v", intents, want)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	t.Parallel()

	line := `{"exabgp": "3.4.8", "type": "update", "neighbor": {}}`
	_, err := newParser().Parse([]byte(line), nil)
	if !errors.Is(err, exabgp.ErrUnsupportedAPIVersion) {
		t.Errorf("Parse(v3.4.8) error = %v, want ErrUnsupportedAPIVersion", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := newParser().Parse([]byte(`{"exabgp": `), nil)
	if !errors.Is(err, exabgp.ErrMalformed) {
		t.Errorf("Parse(bad JSON) error = %v, want ErrMalformed", err)
	}
}

func TestParseSentDirectionIgnored(t *testing.T) {
	t.Parallel()

	line := `{
	  "exabgp": "4.0.1",
	  "type": "update",
	  "neighbor": {
	    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
	    "direction": "send",
	    "message": {
	      "update": {
	        "announce": {"ipv6 unicast": {"fc00:0:0:69::2": [{"nlri": "70::/32"}]}}
	      }
	    }
	  }
	}`

	if intents := mustIntents(t, line, nil); len(intents) != 0 {
		t.Errorf("Parse(direction=send) = %v, want empty", intents)
	}
}

func TestParseUnwantedFamilyIgnored(t *testing.T) {
	t.Parallel()

	line := `{
	  "exabgp": "4.0.1",
	  "type": "update",
	  "neighbor": {
	    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
	    "direction": "receive",
	    "message": {
	      "update": {
	        "announce": {"ipv6 flow": {"fc00:0:0:69::2": [{"nlri": "70::/32"}]}}
	      }
	    }
	  }
	}`

	if intents := mustIntents(t, line, nil); len(intents) != 0 {
		t.Errorf("Parse(ipv6 flow) = %v, want empty", intents)
	}
}

func TestParseUnparseableNLRIDropsMessage(t *testing.T) {
	t.Parallel()

	line := `{
	  "exabgp": "4.0.1",
	  "type": "update",
	  "neighbor": {
	    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
	    "direction": "receive",
	    "message": {
	      "update": {
	        "announce": {"ipv6 unicast": {"fc00:0:0:69::2": [{"nlri": "not-a-prefix"}]}}
	      }
	    }
	  }
	}`

	intents, err := newParser().Parse([]byte(line), nil)
	if err != nil {
		t.Fatalf("Parse() error: %v (malformed update must not error)", err)
	}
	if len(intents) != 0 {
		t.Errorf("Parse(bad nlri) = %v, want empty", intents)
	}
}

func stateJSON(state string) string {
	return `{
	  "exabgp": "4.0.1",
	  "type": "state",
	  "neighbor": {
	    "address": {"local": "fc00:0:0:69::1", "peer": "fc00:0:0:69::2"},
	    "state": "` + state + `",
	    "reason": "in loading"
	  }
	}`
}

func TestParsePeerDown(t *testing.T) {
	t.Parallel()

	intents := mustIntents(t, stateJSON("down"), nil)
	want := fib.Intent{
		Prefix:  netip.MustParsePrefix("::/0"),
		NextHop: netip.MustParseAddr("fc00:0:0:69::2"),
		Op:      fib.OpRemoveAllRoutes,
	}

	if len(intents) != 1 || intents[0] != want {
		t.Errorf("Parse(state=down) = %v, want [%v]", intents, want)
	}
}

func TestParsePeerUpWithHealthyPrefixes(t *testing.T) {
	t.Parallel()

	healthy := []netip.Prefix{
		netip.MustParsePrefix("70::/32"),
		netip.MustParsePrefix("69::/32"),
	}

	intents := mustIntents(t, stateJSON("up"), healthy)
	if len(intents) != 2 {
		t.Fatalf("Parse(state=up) returned %d intents, want 2", len(intents))
	}

	peer := netip.MustParseAddr("fc00:0:0:69::2")
	// Sorted prefix order, peer as next-hop.
	if intents[0].Prefix.String() != "69::/32" || intents[1].Prefix.String() != "70::/32" {
		t.Errorf("Parse(state=up) order = %v", intents)
	}
	for _, intent := range intents {
		if intent.Op != fib.OpAddRoute || intent.NextHop != peer {
			t.Errorf("Parse(state=up) intent = %v, want AddRoute via %s", intent, peer)
		}
	}
}

func TestParsePeerUpNoHealthyPrefixes(t *testing.T) {
	t.Parallel()

	if intents := mustIntents(t, stateJSON("up"), nil); len(intents) != 0 {
		t.Errorf("Parse(state=up, empty healthy) = %v, want empty", intents)
	}
}

func TestParsePeerConnected(t *testing.T) {
	t.Parallel()

	if intents := mustIntents(t, stateJSON("connected"), nil); len(intents) != 0 {
		t.Errorf("Parse(state=connected) = %v, want empty", intents)
	}
}

func TestParseUnknownState(t *testing.T) {
	t.Parallel()

	if intents := mustIntents(t, stateJSON("teardown"), nil); len(intents) != 0 {
		t.Errorf("Parse(state=teardown) = %v, want empty", intents)
	}
}

func TestParseUnknownType(t *testing.T) {
	t.Parallel()

	line := `{"exabgp": "4.0.1", "type": "notification", "neighbor": {"address": {"peer": "69::2"}}}`
	if intents := mustIntents(t, line, nil); len(intents) != 0 {
		t.Errorf("Parse(type=notification) = %v, want empty", intents)
	}
}

func TestParseNoNeighbor(t *testing.T) {
	t.Parallel()

	line := `{"exabgp": "4.0.1", "type": "update"}`
	if intents := mustIntents(t, line, nil); len(intents) != 0 {
		t.Errorf("Parse(no neighbor) = %v, want empty", intents)
	}
}

func TestParseMixedAnnounceDeterministic(t *testing.T) {
	t.Parallel()

	line := `{
	  "exabgp": "4.0.1",
	  "type": "update",
	  "neighbor": {
	    "address": {"local": "10.0.0.1", "peer": "10.0.0.2"},
	    "direction": "receive",
	    "message": {
	      "update": {
	        "announce": {
	          "ipv4 unicast": {"10.0.0.2": [{"nlri": "6.9.6.0/24"}, {"nlri": "10.69.0.0/16"}]},
	          "ipv6 unicast": {"fc00::2": [{"nlri": "70::/32"}]}
	        }
	      }
	    }
	  }
	}`

	intents := mustIntents(t, line, nil)
	if len(intents) != 3 {
		t.Fatalf("Parse() returned %d intents, want 3", len(intents))
	}

	// Families walk in sorted order: ipv4 unicast before ipv6 unicast.
	if !intents[0].Prefix.Addr().Is4() || !intents[1].Prefix.Addr().Is4() {
		t.Errorf("expected v4 intents first, got %v", intents)
	}
	if !intents[2].Prefix.Addr().Is6() {
		t.Errorf("expected v6 intent last, got %v", intents)
	}
}

package fib_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/netauto/goexa/internal/fib"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFIB records calls and returns canned verdicts.
type fakeFIB struct {
	mu       sync.Mutex
	name     string
	failAdds bool
	adds     []string
	dels     []string
	delAlls  []string
}

func (f *fakeFIB) Name() string { return f.name }

func (f *fakeFIB) AddRoute(_ context.Context, prefix netip.Prefix, nextHop netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, prefix.String()+" via "+nextHop.String())
	return !f.failAdds
}

func (f *fakeFIB) DelRoute(_ context.Context, prefix netip.Prefix, nextHop netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels = append(f.dels, prefix.String()+" via "+nextHop.String())
	return true
}

func (f *fakeFIB) DelAllRoutes(_ context.Context, nextHop netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	nh := "none"
	if nextHop.IsValid() {
		nh = nextHop.String()
	}
	f.delAlls = append(f.delAlls, nh)
	return true
}

func (f *fakeFIB) CheckForRoute(context.Context, netip.Prefix, netip.Addr) bool {
	return false
}

func (f *fakeFIB) CheckPrefixLimit() (int, error) { return 0, nil }

func (f *fakeFIB) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adds)
}

// runConsumer starts a consumer over the queue and returns a stop func
// that waits for the run loop to drain.
func runConsumer(t *testing.T, c *fib.Consumer) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
	}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestConsumerAppliesBatchToAllFIBs(t *testing.T) {
	t.Parallel()

	q := fib.NewIntentQueue()
	f1 := &fakeFIB{name: "Linux"}
	f2 := &fakeFIB{name: "Other"}

	c := fib.NewConsumer(fib.ConsumerConfig{
		Queue:  q,
		Fibs:   []fib.FIB{f1, f2},
		Logger: discardLogger(),
	})
	stop := runConsumer(t, c)

	prefix := netip.MustParsePrefix("70::/32")
	nextHop := netip.MustParseAddr("fc00:0:0:69::2")
	q.Push([]fib.Intent{{Prefix: prefix, NextHop: nextHop, Op: fib.OpAddRoute}})

	waitFor(t, func() bool { return f1.addCount() == 1 && f2.addCount() == 1 })
	stop()

	if c.Mirror().Len() != 1 {
		t.Fatalf("Mirror().Len() = %d, want 1", c.Mirror().Len())
	}
	hops := c.Mirror().NextHops(prefix)
	if len(hops) != 1 || hops[0] != nextHop {
		t.Errorf("mirror next-hops = %v, want [%s]", hops, nextHop)
	}
}

func TestConsumerPartialFailureLeavesMirrorUnchanged(t *testing.T) {
	t.Parallel()

	q := fib.NewIntentQueue()
	good := &fakeFIB{name: "Linux"}
	bad := &fakeFIB{name: "Broken", failAdds: true}

	c := fib.NewConsumer(fib.ConsumerConfig{
		Queue:  q,
		Fibs:   []fib.FIB{good, bad},
		Logger: discardLogger(),
	})
	stop := runConsumer(t, c)

	q.Push([]fib.Intent{{
		Prefix:  netip.MustParsePrefix("70::/32"),
		NextHop: netip.MustParseAddr("69::1"),
		Op:      fib.OpAddRoute,
	}})

	waitFor(t, func() bool { return good.addCount() == 1 && bad.addCount() == 1 })
	stop()

	// Both FIBs were attempted but the batch failed: the mirror must not
	// move.
	if c.Mirror().Len() != 0 {
		t.Errorf("Mirror().Len() = %d after failed batch, want 0", c.Mirror().Len())
	}
}

func TestConsumerDryRun(t *testing.T) {
	t.Parallel()

	q := fib.NewIntentQueue()
	f := &fakeFIB{name: "Linux"}

	c := fib.NewConsumer(fib.ConsumerConfig{
		Queue:  q,
		Fibs:   []fib.FIB{f},
		DryRun: true,
		Logger: discardLogger(),
	})
	stop := runConsumer(t, c)

	q.Push([]fib.Intent{{
		Prefix:  netip.MustParsePrefix("70::/32"),
		NextHop: netip.MustParseAddr("69::1"),
		Op:      fib.OpAddRoute,
	}})

	// Let the consumer drain, then stop it before asserting.
	waitFor(t, func() bool { return q.Depth() == 0 })
	time.Sleep(20 * time.Millisecond)
	stop()

	if f.addCount() != 0 {
		t.Errorf("dry run executed %d adds, want 0", f.addCount())
	}
	if c.Mirror().Len() != 0 {
		t.Errorf("dry run mutated mirror: Len() = %d", c.Mirror().Len())
	}
}

func TestConsumerSkipsIntentsWithoutNextHop(t *testing.T) {
	t.Parallel()

	q := fib.NewIntentQueue()
	f := &fakeFIB{name: "Linux"}

	c := fib.NewConsumer(fib.ConsumerConfig{
		Queue:  q,
		Fibs:   []fib.FIB{f},
		Logger: discardLogger(),
	})
	stop := runConsumer(t, c)

	good := netip.MustParseAddr("69::1")
	q.Push([]fib.Intent{
		{Prefix: netip.MustParsePrefix("70::/32"), Op: fib.OpAddRoute},
		{Prefix: netip.MustParsePrefix("71::/32"), NextHop: good, Op: fib.OpAddRoute},
	})

	waitFor(t, func() bool { return f.addCount() == 1 })
	stop()

	if c.Mirror().Len() != 1 {
		t.Errorf("Mirror().Len() = %d, want 1 (valid intent applied)", c.Mirror().Len())
	}
}

func TestConsumerRemoveAllRoutes(t *testing.T) {
	t.Parallel()

	q := fib.NewIntentQueue()
	f := &fakeFIB{name: "Linux"}

	c := fib.NewConsumer(fib.ConsumerConfig{
		Queue:  q,
		Fibs:   []fib.FIB{f},
		Logger: discardLogger(),
	})
	stop := runConsumer(t, c)

	nextHop := netip.MustParseAddr("fc00:0:0:69::2")

	// Seed the mirror through a successful add, then remove everything
	// learnt via the peer as a peer-down would.
	q.Push([]fib.Intent{{
		Prefix:  netip.MustParsePrefix("70::/32"),
		NextHop: nextHop,
		Op:      fib.OpAddRoute,
	}})
	q.Push([]fib.Intent{{
		Prefix:  netip.MustParsePrefix("::/0"),
		NextHop: nextHop,
		Op:      fib.OpRemoveAllRoutes,
	}})

	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.delAlls) == 1
	})
	stop()

	if c.Mirror().Len() != 0 {
		t.Errorf("Mirror().Len() = %d after remove_all, want 0", c.Mirror().Len())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delAlls) != 1 || f.delAlls[0] != nextHop.String() {
		t.Errorf("DelAllRoutes calls = %v, want [%s]", f.delAlls, nextHop)
	}
}

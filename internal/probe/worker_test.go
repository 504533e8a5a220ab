package probe

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// fakeEngine records every probed address and returns a fixed RTT.
type fakeEngine struct {
	mu      sync.Mutex
	targets []netip.Addr
	err     error
}

func (f *fakeEngine) Probe(_ context.Context, addr netip.Addr, _ uint16, _ time.Duration) (Outcome, error) {
	f.mu.Lock()
	f.targets = append(f.targets, addr)
	f.mu.Unlock()
	if f.err != nil {
		return Outcome{}, f.err
	}
	return Outcome{RTT: 10 * time.Millisecond}, nil
}

func (f *fakeEngine) probed() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]netip.Addr, len(f.targets))
	copy(out, f.targets)
	return out
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("failed to parse address %s: %v", s, err)
	}
	return a
}

func fastConfig() Config {
	return Config{
		Timeout:     time.Millisecond,
		IdleSleep:   time.Millisecond,
		SendBackoff: time.Millisecond,
	}
}

func waitForProbes(t *testing.T, engine *fakeEngine, n int) []netip.Addr {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := engine.probed(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d probes, got %d", n, len(engine.probed()))
	return nil
}

func TestWorkerRoundRobinsOverWorklist(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	a := addr(t, "10.0.0.1")
	b := addr(t, "10.0.0.2")
	w.Append([]netip.Addr{a, b})

	probed := waitForProbes(t, engine, 6)

	// after the first full cycle the two addresses must alternate
	counts := map[netip.Addr]int{}
	for _, p := range probed[:6] {
		counts[p]++
	}
	if counts[a] < 2 || counts[b] < 2 {
		t.Fatalf("expected both addresses probed repeatedly, got %v", counts)
	}
	for i := 1; i < 6; i++ {
		if probed[i] == probed[i-1] {
			t.Fatalf("expected alternation, got %v", probed[:6])
		}
	}
}

func TestWorkerDeduplicatesWorklist(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	a := addr(t, "10.0.0.1")
	b := addr(t, "10.0.0.2")
	w.Push(a)
	w.Append([]netip.Addr{a, b, a})
	w.Push(a)
	if !w.Flush(time.Second) {
		t.Fatal("flush timed out")
	}

	// everything past this point is probed from the settled list;
	// with duplicates a would show up twice in a row
	base := len(engine.probed())
	probed := waitForProbes(t, engine, base+6)
	for i := base + 1; i < base+6; i++ {
		if probed[i] == a && probed[i-1] == a {
			t.Fatalf("address probed twice in a row, worklist has duplicates: %v", probed[base:])
		}
	}
}

func TestWorkerSurvivesConcurrentShrinkage(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	a := addr(t, "10.0.0.1")
	b := addr(t, "10.0.0.2")
	c := addr(t, "10.0.0.3")
	w.Append([]netip.Addr{a, b, c})

	waitForProbes(t, engine, 3)

	// shrink the list while the index sits near the end
	w.Remove(b)
	w.Remove(c)
	if !w.Flush(time.Second) {
		t.Fatal("flush timed out")
	}

	before := len(engine.probed())
	probed := waitForProbes(t, engine, before+3)
	for _, p := range probed[before:] {
		if p != a {
			t.Fatalf("expected only %s probed after shrink, got %s", a, p)
		}
	}
}

func TestWorkerClearStopsProbing(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	w.Append([]netip.Addr{addr(t, "10.0.0.1")})
	waitForProbes(t, engine, 1)

	w.Clear()
	if !w.Flush(time.Second) {
		t.Fatal("flush timed out")
	}
	// one probe may have been in flight while the Clear was queued
	settled := len(engine.probed())
	time.Sleep(20 * time.Millisecond)
	if got := len(engine.probed()); got > settled+1 {
		t.Fatalf("expected probing to stop after clear, probes grew %d -> %d", settled, got)
	}
}

func TestWorkerFlushBarrierOrdersReports(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	a := addr(t, "10.0.0.1")
	w.Push(a)
	waitForProbes(t, engine, 2)

	w.Remove(a)
	if !w.Flush(time.Second) {
		t.Fatal("flush timed out")
	}

	// every report for a is now in the channel; draining must leave
	// nothing behind to resurrect a purged history entry
	drained := 0
	for {
		select {
		case <-w.Reports():
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 {
		t.Fatal("expected at least one buffered report before the barrier")
	}
	select {
	case r := <-w.Reports():
		t.Fatalf("unexpected late report for %s after flush and drain", r.Addr)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWorkerStopJoinsWithNonEmptyWorklist(t *testing.T) {
	engine := &fakeEngine{}
	w := NewWorker(engine, fastConfig())
	w.Start()

	w.Append([]netip.Addr{addr(t, "10.0.0.1"), addr(t, "10.0.0.2")})
	waitForProbes(t, engine, 1)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker failed to stop within bound")
	}
}

func TestWorkerReportsFailuresAsData(t *testing.T) {
	engine := &fakeEngine{err: ErrTimeout}
	w := NewWorker(engine, fastConfig())
	w.Start()
	defer w.Stop()

	a := addr(t, "10.0.0.1")
	w.Push(a)

	// the worker keeps probing despite every probe failing
	waitForProbes(t, engine, 3)

	select {
	case r := <-w.Reports():
		if r.Addr != a || r.Err == nil {
			t.Fatalf("expected failed report for %s, got %+v", a, r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a report")
	}
}

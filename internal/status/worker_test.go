package status

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"server-region-blocker/internal/firewall"
	"server-region-blocker/internal/model"
	"server-region-blocker/internal/worklist"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("failed to parse address %s: %v", s, err)
	}
	return a
}

func fastConfig() Config {
	return Config{IdleSleep: time.Millisecond}
}

func awaitReport(t *testing.T, w *Worker) model.StatusReport {
	t.Helper()
	select {
	case r := <-w.Reports():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status report")
		return model.StatusReport{}
	}
}

func TestWorkerClassification(t *testing.T) {
	a := netip.MustParseAddr("1.2.3.1")
	b := netip.MustParseAddr("1.2.3.2")
	c := netip.MustParseAddr("1.2.3.3")

	tests := []struct {
		name        string
		blocked     []netip.Addr
		wantKind    model.StateKind
		wantBlocked []netip.Addr
	}{
		{
			name:     "all blocked",
			blocked:  []netip.Addr{a, b, c},
			wantKind: model.StateAllBlocked,
		},
		{
			name:     "none blocked",
			blocked:  nil,
			wantKind: model.StateNoneBlocked,
		},
		{
			name:        "partially blocked",
			blocked:     []netip.Addr{a, c},
			wantKind:    model.StatePartiallyBlocked,
			wantBlocked: []netip.Addr{a, c},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authority := firewall.NewMemory()
			for _, ip := range tt.blocked {
				if err := authority.Ban(ip); err != nil {
					t.Fatalf("ban failed: %v", err)
				}
			}

			w := NewWorker(authority, fastConfig())
			w.Start()
			defer w.Stop()

			w.Append([]worklist.GroupEntry{{Name: "sgp", Addrs: []netip.Addr{a, b, c}}})

			report := awaitReport(t, w)
			if report.Group != "sgp" {
				t.Fatalf("expected report for sgp, got %s", report.Group)
			}
			want := model.GroupState{Kind: tt.wantKind, Blocked: tt.wantBlocked}
			if !report.State.Equal(want) {
				t.Fatalf("expected state %v, got %v", want, report.State)
			}
		})
	}
}

func TestWorkerConservativeOnCheckFailure(t *testing.T) {
	a := addr(t, "1.2.3.1")
	b := addr(t, "1.2.3.2")

	authority := firewall.NewMemory()
	if err := authority.Ban(a); err != nil {
		t.Fatalf("ban failed: %v", err)
	}
	if err := authority.Ban(b); err != nil {
		t.Fatalf("ban failed: %v", err)
	}
	// b is actually blocked, but its check errors out
	authority.FailFor = map[netip.Addr]error{b: errors.New("authority unreachable")}

	w := NewWorker(authority, fastConfig())
	w.Start()
	defer w.Stop()

	w.Append([]worklist.GroupEntry{{Name: "sgp", Addrs: []netip.Addr{a, b}}})

	report := awaitReport(t, w)
	// a failed check counts as "not confirmed blocked", never AllBlocked
	if report.State.Kind != model.StatePartiallyBlocked {
		t.Fatalf("expected PartiallyBlocked on check failure, got %v", report.State)
	}
	if len(report.State.Blocked) != 1 || report.State.Blocked[0] != a {
		t.Fatalf("expected only %s confirmed blocked, got %v", a, report.State.Blocked)
	}
}

func TestWorkerRemoveDropsPendingEntry(t *testing.T) {
	authority := firewall.NewMemory()
	w := NewWorker(authority, fastConfig())

	a := addr(t, "1.2.3.1")
	// queue before starting so the removal is processed in the same
	// first drain batch
	w.Append([]worklist.GroupEntry{
		{Name: "fra", Addrs: []netip.Addr{a}},
		{Name: "sgp", Addrs: []netip.Addr{a}},
	})
	w.Remove("fra")

	w.Start()
	defer w.Stop()

	report := awaitReport(t, w)
	if report.Group != "sgp" {
		t.Fatalf("expected only sgp to be classified, got %s", report.Group)
	}
	select {
	case r := <-w.Reports():
		t.Fatalf("unexpected report for removed group %s", r.Group)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWorkerStopJoinsWithPendingQueue(t *testing.T) {
	authority := firewall.NewMemory()
	w := NewWorker(authority, fastConfig())
	w.Start()

	var entries []worklist.GroupEntry
	for _, name := range []string{"ams", "fra", "sgp", "syd"} {
		entries = append(entries, worklist.GroupEntry{Name: name, Addrs: []netip.Addr{addr(t, "1.2.3.4")}})
	}
	w.Append(entries)

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

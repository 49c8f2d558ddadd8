package session

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"netbootd/internal/registry"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func hw(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	addr, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%s): %v", s, err)
	}
	return addr
}

func testProfile() *registry.HostProfile {
	return &registry.HostProfile{Hostname: "node-07", Architecture: "amd64", Release: "7.4"}
}

func TestCreateOrGetIdempotentUnderConcurrency(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	addr := hw(t, "aa:bb:cc:dd:ee:ff")

	const n = 64
	txids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _ := m.CreateOrGet(addr)
			txids[i] = s.TXID()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if txids[i] != txids[0] {
			t.Fatalf("concurrent CreateOrGet produced distinct sessions: %s vs %s", txids[0], txids[i])
		}
	}
}

func TestLifecycleToComplete(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	terminalCh := make(chan Snapshot, 1)
	m.OnTerminal = func(snap Snapshot) { terminalCh <- snap }

	s, created := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if !created {
		t.Fatal("expected a fresh session")
	}
	if err := m.Matched(s, testProfile()); err != nil {
		t.Fatalf("Matched() error = %v", err)
	}
	if err := m.Advance(s, EventBootSent); err != nil {
		t.Fatalf("Advance(boot-sent) error = %v", err)
	}
	if err := m.Advance(s, EventInstallStarted); err != nil {
		t.Fatalf("Advance(install-started) error = %v", err)
	}

	for i, kind := range []string{ArtifactBootImage, ArtifactKernel} {
		done, err := m.MarkServed(s, kind)
		if err != nil {
			t.Fatalf("MarkServed(%s) error = %v", kind, err)
		}
		if done {
			t.Fatalf("session complete after %d of 3 artifacts", i+1)
		}
	}
	done, err := m.MarkServed(s, ArtifactSitePackage)
	if err != nil {
		t.Fatalf("MarkServed(sitepkg) error = %v", err)
	}
	if !done {
		t.Fatal("session not complete after all artifacts served")
	}
	if got := m.State(s); got != StateComplete {
		t.Fatalf("state = %s, want COMPLETE", got)
	}
	select {
	case snap := <-terminalCh:
		if snap.State != StateComplete {
			t.Fatalf("terminal notification state = %s, want COMPLETE", snap.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal notification delivered")
	}

	// Identity is released: next request creates a fresh session.
	s2, created := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if !created || s2.TXID() == s.TXID() {
		t.Fatal("terminal session was not released for its hardware identity")
	}
}

func TestInvalidTransitionSurfaced(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	s, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))

	err := m.Advance(s, EventInstallStarted)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Advance() error = %v, want *InvalidTransitionError", err)
	}
	if invalid.From != StateDiscovered {
		t.Fatalf("invalid.From = %s, want DISCOVERED", invalid.From)
	}
}

func TestUnmatchedFailsImmediately(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	s, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if err := m.Unmatched(s); err != nil {
		t.Fatalf("Unmatched() error = %v", err)
	}
	snap := m.Snapshot(s)
	if snap.State != StateFailed || snap.FailReason == "" {
		t.Fatalf("snapshot = %+v, want FAILED with a reason", snap)
	}
	if _, err := m.GetByTXID(s.TXID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetByTXID() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepExpiredTimesOutIdleSessions(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	now := time.Now()
	m.clock = func() time.Time { return now }

	s, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if n := m.SweepExpired(); n != 0 {
		t.Fatalf("SweepExpired() = %d before idle window", n)
	}

	now = now.Add(2 * time.Minute)
	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}
	if got := m.State(s); got != StateTimedOut {
		t.Fatalf("state = %s, want TIMED_OUT", got)
	}

	// The identity becomes eligible for a brand-new DISCOVERED session.
	s2, created := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if !created || m.State(s2) != StateDiscovered {
		t.Fatal("expired identity did not get a fresh session")
	}

	// Terminal records age out of the table entirely on a later sweep.
	now = now.Add(2 * time.Minute)
	m.SweepExpired()
	if _, err := m.GetByTXID(s.TXID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("timed-out session still resolvable: %v", err)
	}
}

func TestInvalidateObservedAtNextLookup(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	s, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))

	if !m.Invalidate(s.TXID()) {
		t.Fatal("Invalidate() did not find the session")
	}
	if _, err := m.GetByTXID(s.TXID()); !errors.Is(err, ErrSessionInvalidated) {
		t.Fatalf("GetByTXID() error = %v, want ErrSessionInvalidated", err)
	}
}

func TestInvalidateAll(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:01"))
	m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:02"))

	if n := m.InvalidateAll(); n != 2 {
		t.Fatalf("InvalidateAll() = %d, want 2", n)
	}
}

func TestOnTerminalRunsOutsideStripeLock(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	// A callback that re-enters the manager must not deadlock against
	// the stripe lock held when the session went terminal.
	done := make(chan State, 1)
	m.OnTerminal = func(snap Snapshot) {
		snaps := m.Snapshots()
		done <- snaps[0].State
	}

	s, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if err := m.Fail(s, "provoked"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	select {
	case state := <-done:
		if state != StateFailed {
			t.Fatalf("callback observed state %s, want FAILED", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback blocked on the stripe lock")
	}
}

func TestIsolationBetweenIdentities(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	unmatched, _ := m.CreateOrGet(hw(t, "00:11:22:33:44:55"))
	if err := m.Unmatched(unmatched); err != nil {
		t.Fatalf("Unmatched() error = %v", err)
	}

	matched, _ := m.CreateOrGet(hw(t, "aa:bb:cc:dd:ee:ff"))
	if err := m.Matched(matched, testProfile()); err != nil {
		t.Fatalf("Matched() error = %v", err)
	}
	if err := m.Advance(matched, EventBootSent); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if got := m.State(unmatched); got != StateFailed {
		t.Fatalf("unmatched state = %s, want FAILED", got)
	}
	if got := m.State(matched); got != StateServingBoot {
		t.Fatalf("matched state = %s, want SERVING_BOOT", got)
	}
}

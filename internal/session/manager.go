package session

import (
	"context"
	"hash/fnv"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netbootd/internal/registry"
	"netbootd/internal/resolve"
)

const stripeCount = 32

type stripe struct {
	mu    sync.Mutex
	byMAC map[string]*Session
}

// Manager owns the session table. Access is serialized per hardware
// identity through striped locks, so requests for different devices
// never contend while requests for the same device observe the single
// live session.
type Manager struct {
	window time.Duration
	clock  func() time.Time
	logger *log.Logger

	// OnTerminal, when set, receives a snapshot of every session that
	// reaches a terminal state. Wired to the event bus and audit sink.
	OnTerminal func(Snapshot)

	stripes [stripeCount]stripe
	byTXID  sync.Map // txid -> *Session
}

// NewManager creates a Manager expiring sessions after window of
// inactivity.
func NewManager(window time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	m := &Manager{window: window, clock: time.Now, logger: logger}
	for i := range m.stripes {
		m.stripes[i].byMAC = make(map[string]*Session)
	}
	return m
}

func (m *Manager) stripeFor(mac string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(mac))
	return &m.stripes[h.Sum32()%stripeCount]
}

// CreateOrGet returns the live session for a hardware identity,
// creating one in DISCOVERED if none exists. Creation is idempotent: a
// second concurrent request observes the existing session.
func (m *Manager) CreateOrGet(hwaddr net.HardwareAddr) (*Session, bool) {
	mac := strings.ToLower(hwaddr.String())
	st := m.stripeFor(mac)
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.byMAC[mac]; ok && !s.state.Terminal() && !s.invalidated {
		s.lastSeen = m.clock()
		return s, false
	}

	now := m.clock()
	s := &Session{
		txid:      uuid.New().String(),
		mac:       mac,
		createdAt: now,
		lastSeen:  now,
		state:     StateDiscovered,
		served:    make(map[string]bool),
	}
	st.byMAC[mac] = s
	m.byTXID.Store(s.txid, s)
	m.logger.Printf("INFO session %s discovered for %s", s.txid, mac)
	return s, true
}

// GetByTXID recovers a session from a transaction identifier carried in
// an install request. Expired or unknown ids return ErrSessionNotFound;
// revoked sessions return ErrSessionInvalidated.
func (m *Manager) GetByTXID(txid string) (*Session, error) {
	v, ok := m.byTXID.Load(txid)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := v.(*Session)

	st := m.stripeFor(s.mac)
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.invalidated {
		return nil, ErrSessionInvalidated
	}
	if s.state.Terminal() {
		return nil, ErrSessionNotFound
	}
	s.lastSeen = m.clock()
	return s, nil
}

// Matched attaches the profile and advances DISCOVERED -> MATCHED.
func (m *Manager) Matched(s *Session, p *registry.HostProfile) error {
	return m.withStripe(s, func() error {
		if err := m.advanceLocked(s, EventMatched); err != nil {
			return err
		}
		s.profile = p
		return nil
	})
}

// Unmatched records that no profile exists for the session's identity.
// The session fails immediately and is never retried automatically.
func (m *Manager) Unmatched(s *Session) error {
	return m.withStripe(s, func() error {
		s.failReason = "no matching profile"
		return m.advanceLocked(s, EventUnmatched)
	})
}

// Advance applies a lifecycle event to the session.
func (m *Manager) Advance(s *Session, ev Event) error {
	return m.withStripe(s, func() error {
		return m.advanceLocked(s, ev)
	})
}

// Fail moves the session to FAILED recording the reason.
func (m *Manager) Fail(s *Session, reason string) error {
	return m.withStripe(s, func() error {
		if s.state.Terminal() {
			return nil
		}
		s.failReason = reason
		s.state = StateFailed
		m.finishLocked(s)
		return nil
	})
}

// MarkServed records a fully transferred artifact and completes the
// session once every required kind has been served at least once.
func (m *Manager) MarkServed(s *Session, kind string) (bool, error) {
	done := false
	err := m.withStripe(s, func() error {
		if s.state != StateServingInstall {
			return &InvalidTransitionError{TXID: s.txid, From: s.state, Event: EventCompleted}
		}
		s.served[kind] = true
		for _, k := range requiredArtifacts {
			if !s.served[k] {
				return nil
			}
		}
		done = true
		return m.advanceLocked(s, EventCompleted)
	})
	return done, err
}

// Profile returns the matched profile, nil before MATCHED.
func (m *Manager) Profile(s *Session) *registry.HostProfile {
	var p *registry.HostProfile
	m.withStripe(s, func() error { p = s.profile; return nil })
	return p
}

// SetAssignedIP records the address handed to the device.
func (m *Manager) SetAssignedIP(s *Session, ip net.IP) {
	m.withStripe(s, func() error { s.assignedIP = ip; return nil })
}

// Package returns the session's resolved site package reference, or
// nil if resolution has not happened yet.
func (m *Manager) Package(s *Session) *resolve.SitePackage {
	var pkg *resolve.SitePackage
	m.withStripe(s, func() error { pkg = s.pkg; return nil })
	return pkg
}

// SetPackage stores the lazily resolved site package reference.
func (m *Manager) SetPackage(s *Session, pkg *resolve.SitePackage) {
	m.withStripe(s, func() error { s.pkg = pkg; return nil })
}

// State returns the session's current state.
func (m *Manager) State(s *Session) State {
	var out State
	m.withStripe(s, func() error { out = s.state; return nil })
	return out
}

// Snapshot returns a consistent copy of the session.
func (m *Manager) Snapshot(s *Session) Snapshot {
	var snap Snapshot
	m.withStripe(s, func() error { snap = s.snapshot(); return nil })
	return snap
}

// Invalidate revokes a session. In-flight handlers observe this at
// their next lookup and fail with ErrSessionInvalidated.
func (m *Manager) Invalidate(txid string) bool {
	v, ok := m.byTXID.Load(txid)
	if !ok {
		return false
	}
	s := v.(*Session)
	m.withStripe(s, func() error {
		if s.invalidated || s.state.Terminal() {
			return nil
		}
		s.invalidated = true
		s.failReason = "invalidated by operator"
		s.state = StateFailed
		m.finishLocked(s)
		return nil
	})
	return true
}

// InvalidateAll revokes every live session, typically after a registry
// reload that makes resolved packages stale.
func (m *Manager) InvalidateAll() int {
	count := 0
	m.byTXID.Range(func(key, v any) bool {
		s := v.(*Session)
		m.withStripe(s, func() error {
			if !s.invalidated && !s.state.Terminal() {
				s.invalidated = true
				s.failReason = "registry reloaded"
				s.state = StateFailed
				m.finishLocked(s)
				count++
			}
			return nil
		})
		return true
	})
	return count
}

// SweepExpired times out idle sessions and drops terminal sessions
// whose records have aged past the inactivity window. Returns the
// number of sessions transitioned to TIMED_OUT.
func (m *Manager) SweepExpired() int {
	now := m.clock()
	expired := 0
	m.byTXID.Range(func(key, v any) bool {
		s := v.(*Session)
		m.withStripe(s, func() error {
			idle := now.Sub(s.lastSeen)
			if !s.state.Terminal() && idle > m.window {
				s.state = StateTimedOut
				s.pkg = nil
				m.finishLocked(s)
				expired++
				m.logger.Printf("WARN session %s for %s timed out after %s idle", s.txid, s.mac, idle.Truncate(time.Second))
			} else if s.state.Terminal() && idle > m.window {
				m.byTXID.Delete(s.txid)
			}
			return nil
		})
		return true
	})
	return expired
}

// Run sweeps expired sessions on the given interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// Snapshots lists all tracked sessions, newest first, for operator
// visibility.
func (m *Manager) Snapshots() []Snapshot {
	var out []Snapshot
	m.byTXID.Range(func(_, v any) bool {
		s := v.(*Session)
		out = append(out, m.Snapshot(s))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) withStripe(s *Session, fn func() error) error {
	st := m.stripeFor(s.mac)
	st.mu.Lock()
	defer st.mu.Unlock()
	return fn()
}

func (m *Manager) advanceLocked(s *Session, ev Event) error {
	next, ok := transitions[s.state][ev]
	if !ok {
		return &InvalidTransitionError{TXID: s.txid, From: s.state, Event: ev}
	}
	s.state = next
	s.lastSeen = m.clock()
	if next.Terminal() {
		m.finishLocked(s)
	}
	return nil
}

// finishLocked releases the hardware identity so the next request
// creates a brand-new session, and reports the terminal snapshot.
func (m *Manager) finishLocked(s *Session) {
	st := m.stripeFor(s.mac)
	if st.byMAC[s.mac] == s {
		delete(st.byMAC, s.mac)
	}
	s.pkg = nil
	m.logger.Printf("INFO session %s for %s finished in %s", s.txid, s.mac, s.state)
	if m.OnTerminal != nil {
		// The callback may block (bus publish, audit insert) or call
		// back into the manager; it must not run under the stripe lock.
		snap := s.snapshot()
		go m.OnTerminal(snap)
	}
}

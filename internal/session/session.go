// Package session tracks one provisioning attempt per observed device
// as an explicit state machine behind a striped, per-identity lock.
package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"netbootd/internal/registry"
	"netbootd/internal/resolve"
)

// State is a session's position in the provisioning lifecycle.
type State string

const (
	StateDiscovered     State = "DISCOVERED"
	StateMatched        State = "MATCHED"
	StateServingBoot    State = "SERVING_BOOT"
	StateServingInstall State = "SERVING_INSTALL"
	StateComplete       State = "COMPLETE"
	StateFailed         State = "FAILED"
	StateTimedOut       State = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Event advances a session between states.
type Event string

const (
	EventMatched        Event = "matched"
	EventUnmatched      Event = "unmatched"
	EventBootSent       Event = "boot-sent"
	EventInstallStarted Event = "install-started"
	EventCompleted      Event = "completed"
	EventFailed         Event = "failed"
)

var transitions = map[State]map[Event]State{
	StateDiscovered: {
		EventMatched:   StateMatched,
		EventUnmatched: StateFailed,
		EventFailed:    StateFailed,
	},
	StateMatched: {
		EventBootSent: StateServingBoot,
		EventFailed:   StateFailed,
	},
	StateServingBoot: {
		EventInstallStarted: StateServingInstall,
		EventFailed:         StateFailed,
	},
	StateServingInstall: {
		EventCompleted: StateComplete,
		EventFailed:    StateFailed,
	},
}

// Artifact kinds a session must receive before it is COMPLETE.
const (
	ArtifactBootImage   = "bootimage"
	ArtifactKernel      = "kernel"
	ArtifactSitePackage = "sitepkg"
)

var requiredArtifacts = []string{ArtifactBootImage, ArtifactKernel, ArtifactSitePackage}

var (
	// ErrSessionNotFound means the device must re-discover via the
	// boot responder.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInvalidated means an operator revoked the session or
	// reloaded the registry underneath it.
	ErrSessionInvalidated = errors.New("session invalidated")
)

// InvalidTransitionError reports an event that is not legal from the
// session's current state. It indicates protocol desync and is always
// surfaced, never swallowed.
type InvalidTransitionError struct {
	TXID  string
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: event %q invalid in state %s", e.TXID, e.Event, e.From)
}

// Session is one in-flight provisioning attempt. The hardware identity
// and transaction id are immutable; everything else is mutated only
// under the owning Manager's stripe lock.
type Session struct {
	txid      string
	mac       string
	createdAt time.Time

	state       State
	profile     *registry.HostProfile
	assignedIP  net.IP
	pkg         *resolve.SitePackage
	lastSeen    time.Time
	invalidated bool
	failReason  string
	served      map[string]bool
}

// TXID returns the session's transaction identifier.
func (s *Session) TXID() string { return s.txid }

// MAC returns the hardware identity the session was created for.
func (s *Session) MAC() string { return s.mac }

// Snapshot is a point-in-time copy of a session's observable state,
// safe to use outside the manager's locks.
type Snapshot struct {
	TXID       string    `json:"txid"`
	MAC        string    `json:"mac"`
	Hostname   string    `json:"hostname,omitempty"`
	State      State     `json:"state"`
	AssignedIP string    `json:"assigned_ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
	FailReason string    `json:"fail_reason,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		TXID:      s.txid,
		MAC:       s.mac,
		State:     s.state,
		CreatedAt: s.createdAt,
		LastSeen:  s.lastSeen,
	}
	if s.profile != nil {
		snap.Hostname = s.profile.Hostname
	}
	if s.assignedIP != nil {
		snap.AssignedIP = s.assignedIP.String()
	}
	snap.FailReason = s.failReason
	return snap
}

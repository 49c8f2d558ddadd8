// Package match maps an observed hardware identity to a declared host
// profile.
package match

import (
	"log"
	"net"
	"strings"

	"netbootd/internal/registry"
)

// Matcher resolves boot-request identities against the current registry
// snapshot. Exact hardware-address matches always win; architecture
// fallback applies only when the registry explicitly declares a
// catch-all profile for that architecture.
type Matcher struct {
	handle *registry.Handle
	logger *log.Logger
}

func New(handle *registry.Handle, logger *log.Logger) *Matcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Matcher{handle: handle, logger: logger}
}

// Match returns the profile for a hardware address, falling back to the
// architecture catch-all when one is declared. The second return is
// false for unmatched identities, which are reported but never promoted
// to a profile.
func (m *Matcher) Match(hwaddr net.HardwareAddr, archHint string) (*registry.HostProfile, bool) {
	reg := m.handle.Current()
	mac := strings.ToLower(hwaddr.String())

	if p, ok := reg.Lookup(mac); ok {
		return p, true
	}

	if archHint != "" {
		if p, ok := reg.ArchFallback(archHint); ok {
			m.logger.Printf("INFO matched %s to %s via %s architecture fallback", mac, p.Hostname, archHint)
			return p, true
		}
	}

	m.logger.Printf("WARN unmatched hardware address %s (arch hint %q)", mac, archHint)
	return nil, false
}

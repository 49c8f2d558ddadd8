package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Registry is an immutable snapshot of the declared profiles and
// layers. Handlers read it without locking; a reload swaps in a whole
// new snapshot via Handle.
type Registry struct {
	generation uint64
	profiles   []*HostProfile
	byMAC      map[string]*HostProfile
	byHostname map[string]*HostProfile
	layers     map[string]*TemplateLayer
	byArch     map[string]*HostProfile
}

// Generation returns the snapshot's monotonic generation number.
func (r *Registry) Generation() uint64 { return r.generation }

// Profiles returns all declared profiles in declaration order.
func (r *Registry) Profiles() []*HostProfile { return r.profiles }

// Lookup finds the profile declaring the given hardware address.
func (r *Registry) Lookup(hwaddr string) (*HostProfile, bool) {
	p, ok := r.byMAC[normalizeMAC(hwaddr)]
	return p, ok
}

// LookupHostname finds a profile by hostname.
func (r *Registry) LookupHostname(name string) (*HostProfile, bool) {
	p, ok := r.byHostname[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ArchFallback returns the declared catch-all profile for an
// architecture, if the registry opted in to one.
func (r *Registry) ArchFallback(arch string) (*HostProfile, bool) {
	p, ok := r.byArch[strings.ToLower(strings.TrimSpace(arch))]
	return p, ok
}

// Layer returns the layer for a key such as "role/edge-node".
func (r *Registry) Layer(key string) (*TemplateLayer, bool) {
	l, ok := r.layers[key]
	return l, ok
}

// LayerChainFor returns the profile's ordered layer chain, least
// specific first. Every key was validated to exist at load time.
func (r *Registry) LayerChainFor(p *HostProfile) ([]*TemplateLayer, error) {
	chain := make([]*TemplateLayer, 0, len(p.LayerKeys))
	for _, key := range p.LayerKeys {
		layer, ok := r.layers[key]
		if !ok {
			return nil, fmt.Errorf("profile %s references unknown layer %q", p.Hostname, key)
		}
		chain = append(chain, layer)
	}
	return chain, nil
}

// HostsAppend renders an /etc/hosts style fragment listing every
// profile's admin address, for layers that want it appended on the
// installed system.
func (r *Registry) HostsAppend() []byte {
	var b strings.Builder
	names := make([]string, 0, len(r.byHostname))
	for name := range r.byHostname {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := r.byHostname[name]
		if p.AdminIP == nil {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\n", p.AdminIP.String(), p.Hostname)
	}
	return []byte(b.String())
}

// Handle is the shared access point to the current Registry snapshot.
// Swapping is atomic so in-flight resolutions never mix generations.
type Handle struct {
	current atomic.Pointer[Registry]
	gen     atomic.Uint64
}

// NewHandle creates a Handle seeded with the given snapshot.
func NewHandle(r *Registry) *Handle {
	h := &Handle{}
	h.Swap(r)
	return h
}

// Current returns the active snapshot.
func (h *Handle) Current() *Registry {
	return h.current.Load()
}

// Swap installs a new snapshot and stamps it with the next generation.
func (h *Handle) Swap(r *Registry) {
	r.generation = h.gen.Add(1)
	h.current.Store(r)
}

func normalizeMAC(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

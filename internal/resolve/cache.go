package resolve

import (
	"sync"

	"netbootd/internal/registry"
)

// Resolver merges layer chains and caches the results keyed by chain
// fingerprint. Merging is pure, so a benign race that computes the same
// package twice is safe; the cache only avoids repeated work when many
// devices share a role or board.
type Resolver struct {
	separator string
	cache     sync.Map // fingerprint -> *SitePackage
}

// New creates a Resolver using sep between appended fragments.
func New(sep string) *Resolver {
	if sep == "" {
		sep = "\n"
	}
	return &Resolver{separator: sep}
}

// Resolve returns the merged site package for the profile's chain,
// computing it on first use. Results are content-addressed: a registry
// reload that leaves a chain's content untouched keeps its cache entry
// valid, and any content change produces a new fingerprint.
func (r *Resolver) Resolve(chain []*registry.TemplateLayer) (*SitePackage, error) {
	fp := ChainFingerprint(chain)
	if cached, ok := r.cache.Load(fp); ok {
		return cached.(*SitePackage), nil
	}

	pkg, err := Merge(chain, r.separator)
	if err != nil {
		return nil, err
	}

	actual, _ := r.cache.LoadOrStore(fp, pkg)
	return actual.(*SitePackage), nil
}

// Purge drops all cached resolutions. Called on operator-triggered
// registry reload.
func (r *Resolver) Purge() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

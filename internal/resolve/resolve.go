// Package resolve merges a profile's template layer chain into a single
// site package with deterministic override/append semantics.
package resolve

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"netbootd/internal/registry"
)

// File is one merged file in a resolved site package.
type File struct {
	Data []byte
	// Templated is set when any contributing layer flagged the path
	// for variable expansion.
	Templated bool
}

// SitePackage is the merged output for one profile: final bytes per
// relative path plus the layer keys that contributed, for diagnostics.
type SitePackage struct {
	Files        map[string]File
	Contributors []string
	Fingerprint  string
}

// Paths returns the package's file paths in sorted order.
func (p *SitePackage) Paths() []string {
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ConflictError reports two sibling layers at the same precedence tier
// claiming the same path with incompatible directives. This is a
// configuration error and is never silently resolved.
type ConflictError struct {
	Path   string
	LayerA string
	LayerB string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolve: layers %s and %s both claim %s at the same precedence", e.LayerA, e.LayerB, e.Path)
}

// Merge resolves a layer chain, least specific first. Override replaces
// accumulated content for a path; append concatenates after it using
// sep. Two same-tier layers may only share a path when both append.
func Merge(chain []*registry.TemplateLayer, sep string) (*SitePackage, error) {
	pkg := &SitePackage{
		Files:       make(map[string]File),
		Fingerprint: ChainFingerprint(chain),
	}

	// claimedBy tracks the layer that declared each path within the
	// tier currently being merged, for conflict reporting.
	claimedBy := make(map[string]*registry.TemplateLayer)
	currentTier := registry.TierGlobal

	for _, layer := range chain {
		if layer.Tier != currentTier {
			claimedBy = make(map[string]*registry.TemplateLayer)
			currentTier = layer.Tier
		}
		pkg.Contributors = append(pkg.Contributors, layer.Key())

		for _, path := range sortedPaths(layer.Files) {
			spec := layer.Files[path]
			if prev, ok := claimedBy[path]; ok {
				prevSpec := prev.Files[path]
				if spec.Directive == registry.DirectiveOverride || prevSpec.Directive == registry.DirectiveOverride {
					return nil, &ConflictError{Path: path, LayerA: prev.Key(), LayerB: layer.Key()}
				}
			}
			claimedBy[path] = layer

			existing, present := pkg.Files[path]
			switch {
			case !present || spec.Directive == registry.DirectiveOverride:
				pkg.Files[path] = File{
					Data:      append([]byte(nil), spec.Content...),
					Templated: spec.Templated,
				}
			default:
				var buf bytes.Buffer
				buf.Write(existing.Data)
				// The separator is only inserted when the accumulated
				// content does not already end with it, so fragments
				// that close with a newline are not double-spaced.
				if !bytes.HasSuffix(existing.Data, []byte(sep)) {
					buf.WriteString(sep)
				}
				buf.Write(spec.Content)
				pkg.Files[path] = File{
					Data:      buf.Bytes(),
					Templated: existing.Templated || spec.Templated,
				}
			}
		}
	}

	return pkg, nil
}

// ChainFingerprint digests the ordered (layer key, content fingerprint)
// pairs of a chain. Two profiles with identical effective layer content
// share a fingerprint and therefore a cached resolution.
func ChainFingerprint(chain []*registry.TemplateLayer) string {
	h := sha256.New()
	for _, layer := range chain {
		h.Write([]byte(layer.Key()))
		h.Write([]byte{0})
		h.Write([]byte(layer.Fingerprint()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedPaths(files map[string]registry.FileSpec) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

package registry

import (
	"fmt"
	"net"
)

// Tier identifies the precedence level a template layer contributes at.
// Merging always proceeds from TierGlobal up to TierHost.
type Tier int

const (
	TierGlobal Tier = iota
	TierArch
	TierBoard
	TierRole
	TierHost
)

var tierNames = map[string]Tier{
	"global": TierGlobal,
	"arch":   TierArch,
	"board":  TierBoard,
	"role":   TierRole,
	"host":   TierHost,
}

func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierArch:
		return "arch"
	case TierBoard:
		return "board"
	case TierRole:
		return "role"
	case TierHost:
		return "host"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts a tier name from the source tree into a Tier.
func ParseTier(name string) (Tier, error) {
	t, ok := tierNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown layer tier %q", name)
	}
	return t, nil
}

// Directive controls how a file in a more specific layer combines with
// the same path from a less specific layer.
type Directive int

const (
	// DirectiveOverride replaces any earlier content for the path.
	DirectiveOverride Directive = iota
	// DirectiveAppend concatenates after earlier content using the
	// resolver's configured separator.
	DirectiveAppend
)

func (d Directive) String() string {
	if d == DirectiveAppend {
		return "append"
	}
	return "override"
}

// FileSpec is one file contribution within a layer.
type FileSpec struct {
	Content   []byte
	Directive Directive
	// Templated marks the file for variable expansion at serve time.
	Templated bool
}

// TemplateLayer is a named scope contributing files at one precedence
// tier. Layers are immutable after load.
type TemplateLayer struct {
	Tier  Tier
	Name  string
	Files map[string]FileSpec

	// fingerprint is a sha256 digest over the layer's sorted file
	// contents and directives, computed once at load.
	fingerprint string
}

// Key returns the layer's unique key, e.g. "role/edge-node".
func (l *TemplateLayer) Key() string {
	if l.Tier == TierGlobal {
		return "global"
	}
	return l.Tier.String() + "/" + l.Name
}

// Fingerprint returns the content digest computed at load time.
func (l *TemplateLayer) Fingerprint() string { return l.fingerprint }

// HostProfile describes one target device. Profiles are immutable once
// loaded; a reload builds a fresh Registry rather than mutating one.
type HostProfile struct {
	Hostname     string
	MACs         []string
	Architecture string
	Board        string
	Role         string
	AdminIP      net.IP
	Release      string

	// ArchFallback marks this profile as the explicit catch-all for
	// devices whose MAC is unknown but whose architecture matches.
	ArchFallback bool

	// LayerKeys is the ordered chain of layer keys this profile merges,
	// least specific first, host always last.
	LayerKeys []string
}

// ConfigError reports a malformed or ambiguous registry source. It is
// fatal at load; a registry is never partially applied.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "registry: " + e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

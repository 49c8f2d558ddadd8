package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type sourceDoc struct {
	Layers   []sourceLayer   `yaml:"layers"`
	Profiles []sourceProfile `yaml:"profiles"`
}

type sourceLayer struct {
	Tier  string                `yaml:"tier"`
	Name  string                `yaml:"name"`
	Files map[string]sourceFile `yaml:"files"`
}

type sourceFile struct {
	Content   string `yaml:"content"`
	Directive string `yaml:"directive"`
	Templated bool   `yaml:"templated"`
}

type sourceProfile struct {
	Hostname     string   `yaml:"hostname"`
	MACs         []string `yaml:"macs"`
	Architecture string   `yaml:"arch"`
	Board        string   `yaml:"board"`
	Role         string   `yaml:"role"`
	AdminIP      string   `yaml:"admin_ip"`
	Release      string   `yaml:"release"`
	ArchFallback bool     `yaml:"arch_fallback"`
	Layers       []string `yaml:"layers"`
}

// LoadFile reads and validates a registry source tree from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry source: %w", err)
	}
	return Load(data)
}

// Load parses and validates a registry source document. Any validation
// failure returns a ConfigError and no registry; a source is never
// partially applied.
func Load(data []byte) (*Registry, error) {
	var doc sourceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf("parse source: %v", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, configErrorf("source declares no profiles")
	}

	reg := &Registry{
		byMAC:      make(map[string]*HostProfile),
		byHostname: make(map[string]*HostProfile),
		layers:     make(map[string]*TemplateLayer),
		byArch:     make(map[string]*HostProfile),
	}

	for i, sl := range doc.Layers {
		layer, err := buildLayer(sl)
		if err != nil {
			return nil, configErrorf("layer %d: %v", i, err)
		}
		key := layer.Key()
		if _, dup := reg.layers[key]; dup {
			return nil, configErrorf("duplicate layer %q", key)
		}
		reg.layers[key] = layer
	}

	for i, sp := range doc.Profiles {
		p, err := buildProfile(sp)
		if err != nil {
			return nil, configErrorf("profile %d (%s): %v", i, sp.Hostname, err)
		}
		name := strings.ToLower(p.Hostname)
		if _, dup := reg.byHostname[name]; dup {
			return nil, configErrorf("duplicate hostname %q", p.Hostname)
		}
		reg.byHostname[name] = p
		for _, mac := range p.MACs {
			if prev, dup := reg.byMAC[mac]; dup {
				return nil, configErrorf("hardware address %s claimed by both %s and %s", mac, prev.Hostname, p.Hostname)
			}
			reg.byMAC[mac] = p
		}
		if p.ArchFallback {
			arch := strings.ToLower(p.Architecture)
			if arch == "" {
				return nil, configErrorf("profile %s is an arch fallback without an architecture", p.Hostname)
			}
			if prev, dup := reg.byArch[arch]; dup {
				return nil, configErrorf("architecture %s has two fallback profiles (%s, %s)", arch, prev.Hostname, p.Hostname)
			}
			reg.byArch[arch] = p
		}
		reg.profiles = append(reg.profiles, p)
	}

	for _, p := range reg.profiles {
		if len(p.LayerKeys) == 0 {
			p.LayerKeys = deriveChain(reg, p)
		}
		if err := validateChain(reg, p); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func buildLayer(sl sourceLayer) (*TemplateLayer, error) {
	tier, err := ParseTier(strings.TrimSpace(sl.Tier))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(sl.Name)
	if tier != TierGlobal && name == "" {
		return nil, fmt.Errorf("%s layer requires a name", tier)
	}
	layer := &TemplateLayer{
		Tier:  tier,
		Name:  name,
		Files: make(map[string]FileSpec, len(sl.Files)),
	}
	for path, sf := range sl.Files {
		path = strings.Trim(strings.TrimSpace(path), "/")
		if path == "" {
			return nil, fmt.Errorf("empty file path")
		}
		spec := FileSpec{Content: []byte(sf.Content), Templated: sf.Templated}
		switch strings.TrimSpace(sf.Directive) {
		case "", "override":
			spec.Directive = DirectiveOverride
		case "append":
			spec.Directive = DirectiveAppend
		default:
			return nil, fmt.Errorf("file %s: unknown directive %q", path, sf.Directive)
		}
		if _, dup := layer.Files[path]; dup {
			return nil, fmt.Errorf("file %s declared twice", path)
		}
		layer.Files[path] = spec
	}
	layer.fingerprint = fingerprintFiles(layer.Files)
	return layer, nil
}

func buildProfile(sp sourceProfile) (*HostProfile, error) {
	hostname := strings.TrimSpace(sp.Hostname)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	if len(sp.MACs) == 0 && !sp.ArchFallback {
		return nil, fmt.Errorf("at least one hardware address is required")
	}
	p := &HostProfile{
		Hostname:     hostname,
		Architecture: strings.ToLower(strings.TrimSpace(sp.Architecture)),
		Board:        strings.TrimSpace(sp.Board),
		Role:         strings.TrimSpace(sp.Role),
		Release:      strings.TrimSpace(sp.Release),
		ArchFallback: sp.ArchFallback,
		LayerKeys:    sp.Layers,
	}
	for _, raw := range sp.MACs {
		hw, err := net.ParseMAC(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid hardware address %q", raw)
		}
		p.MACs = append(p.MACs, strings.ToLower(hw.String()))
	}
	if sp.AdminIP != "" {
		p.AdminIP = net.ParseIP(strings.TrimSpace(sp.AdminIP))
		if p.AdminIP == nil {
			return nil, fmt.Errorf("invalid admin_ip %q", sp.AdminIP)
		}
	}
	return p, nil
}

// deriveChain builds the default layer chain from the profile's
// attributes. Absent layers are simply skipped; only explicitly
// declared chains require every key to exist.
func deriveChain(reg *Registry, p *HostProfile) []string {
	candidates := []string{"global"}
	if p.Architecture != "" {
		candidates = append(candidates, "arch/"+p.Architecture)
	}
	if p.Board != "" {
		candidates = append(candidates, "board/"+p.Board)
	}
	if p.Role != "" {
		candidates = append(candidates, "role/"+p.Role)
	}
	candidates = append(candidates, "host/"+strings.ToLower(p.Hostname))

	keys := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if _, ok := reg.layers[key]; ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func validateChain(reg *Registry, p *HostProfile) error {
	last := TierGlobal
	for i, key := range p.LayerKeys {
		layer, ok := reg.layers[key]
		if !ok {
			return configErrorf("profile %s references unknown layer %q", p.Hostname, key)
		}
		if layer.Tier < last {
			return configErrorf("profile %s: layer %q out of precedence order", p.Hostname, key)
		}
		last = layer.Tier
		if layer.Tier == TierHost && i != len(p.LayerKeys)-1 {
			return configErrorf("profile %s: host layer %q must be last", p.Hostname, key)
		}
	}
	return nil
}

func fingerprintFiles(files map[string]FileSpec) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		spec := files[path]
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(spec.Directive.String()))
		h.Write([]byte{0})
		if spec.Templated {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write(spec.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

package registry

import (
	"errors"
	"strings"
	"testing"
)

const validSource = `
layers:
  - tier: global
    files:
      etc/installurl:
        content: "https://mirror.example/pub\n"
  - tier: arch
    name: amd64
    files:
      install.conf:
        content: "arch lines\n"
        directive: append
  - tier: role
    name: edge-node
    files:
      install.conf:
        content: "edge lines\n"
        directive: append
  - tier: host
    name: node-07
    files:
      etc/myname:
        content: "node-07.example\n"
        templated: true
profiles:
  - hostname: node-07
    macs: ["aa:bb:cc:dd:ee:ff"]
    arch: amd64
    role: edge-node
    admin_ip: 10.0.0.7
    release: "7.4"
  - hostname: anynode
    arch: amd64
    release: "7.4"
    arch_fallback: true
`

func TestLoadValidSource(t *testing.T) {
	reg, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	p, ok := reg.Lookup("AA:BB:CC:DD:EE:FF")
	if !ok {
		t.Fatal("Lookup() did not find node-07 by MAC")
	}
	if p.Hostname != "node-07" {
		t.Fatalf("Lookup() = %s, want node-07", p.Hostname)
	}

	chain, err := reg.LayerChainFor(p)
	if err != nil {
		t.Fatalf("LayerChainFor() error = %v", err)
	}
	got := make([]string, 0, len(chain))
	for _, l := range chain {
		got = append(got, l.Key())
	}
	want := "global,arch/amd64,role/edge-node,host/node-07"
	if strings.Join(got, ",") != want {
		t.Fatalf("chain = %s, want %s", strings.Join(got, ","), want)
	}

	fb, ok := reg.ArchFallback("amd64")
	if !ok || fb.Hostname != "anynode" {
		t.Fatalf("ArchFallback(amd64) = %v, %v", fb, ok)
	}
}

func TestLoadRejectsBadSources(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{
			name: "duplicate mac",
			source: `
profiles:
  - hostname: a
    macs: ["aa:bb:cc:dd:ee:01"]
  - hostname: b
    macs: ["aa:bb:cc:dd:ee:01"]
`,
		},
		{
			name: "unknown explicit layer",
			source: `
profiles:
  - hostname: a
    macs: ["aa:bb:cc:dd:ee:01"]
    layers: ["role/missing"]
`,
		},
		{
			name: "explicit chain out of order",
			source: `
layers:
  - tier: role
    name: r
  - tier: global
profiles:
  - hostname: a
    macs: ["aa:bb:cc:dd:ee:01"]
    layers: ["role/r", "global"]
`,
		},
		{
			name: "two fallbacks for one arch",
			source: `
profiles:
  - hostname: a
    arch: amd64
    arch_fallback: true
  - hostname: b
    arch: amd64
    arch_fallback: true
`,
		},
		{
			name: "invalid mac",
			source: `
profiles:
  - hostname: a
    macs: ["not-a-mac"]
`,
		},
		{
			name:   "no profiles",
			source: `layers: []`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.source))
			if err == nil {
				t.Fatal("Load() succeeded, want ConfigError")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %T, want *ConfigError", err)
			}
		})
	}
}

func TestHostsAppend(t *testing.T) {
	reg, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := string(reg.HostsAppend())
	if got != "10.0.0.7\tnode-07\n" {
		t.Fatalf("HostsAppend() = %q", got)
	}
}

func TestHandleSwapBumpsGeneration(t *testing.T) {
	first, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h := NewHandle(first)
	if g := h.Current().Generation(); g != 1 {
		t.Fatalf("generation = %d, want 1", g)
	}

	second, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h.Swap(second)
	if g := h.Current().Generation(); g != 2 {
		t.Fatalf("generation after swap = %d, want 2", g)
	}
	if h.Current() != second {
		t.Fatal("Current() did not return the swapped snapshot")
	}
}

func TestLayerFingerprintStable(t *testing.T) {
	a, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := Load([]byte(validSource))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	la, _ := a.Layer("role/edge-node")
	lb, _ := b.Layer("role/edge-node")
	if la.Fingerprint() != lb.Fingerprint() {
		t.Fatal("identical layer content produced different fingerprints")
	}
	if la.Fingerprint() == "" {
		t.Fatal("fingerprint is empty")
	}
}

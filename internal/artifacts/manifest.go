// Package artifacts reads the local, integrity-attested release
// artifact store the install vendor serves from. The engine never
// retrieves upstream artifacts itself; it only reads this store.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names one of the artifact categories a release provides.
type Kind string

const (
	KindBootImage  Kind = "bootimage"
	KindKernel     Kind = "kernel"
	KindPackageSet Kind = "pkgset"
)

// ParseKind validates an artifact kind from a manifest or request path.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBootImage, KindKernel, KindPackageSet:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Manifest is the signed inventory at the root of an artifact store.
type Manifest struct {
	Version          string     `yaml:"version"`
	CreatedAt        time.Time  `yaml:"created_at"`
	SigningPublicKey string     `yaml:"signing_public_key,omitempty"`
	Signature        string     `yaml:"signature,omitempty"`
	Artifacts        []Artifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature for
// signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Artifact describes one verified file within the store.
type Artifact struct {
	Release string `yaml:"release"`
	Arch    string `yaml:"arch"`
	Kind    Kind   `yaml:"kind"`
	Path    string `yaml:"path"`
	Size    int64  `yaml:"size"`
	SHA256  string `yaml:"sha256"`
}

// BuildManifest scans a store directory laid out as
// <release>/<arch>/<kind>/<file> and produces an unsigned manifest with
// fresh digests, entries sorted by path.
func BuildManifest(root string, now func() time.Time) (*Manifest, error) {
	if now == nil {
		now = time.Now
	}
	manifest := &Manifest{Version: "1", CreatedAt: now().UTC().Truncate(time.Second)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == manifestFileName {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 4 {
			return fmt.Errorf("artifact %s is not under <release>/<arch>/<kind>/", rel)
		}
		kind, err := ParseKind(parts[2])
		if err != nil {
			return fmt.Errorf("artifact %s: %w", rel, err)
		}
		digest, size, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest.Artifacts = append(manifest.Artifacts, Artifact{
			Release: parts[0],
			Arch:    parts[1],
			Kind:    kind,
			Path:    filepath.ToSlash(rel),
			Size:    size,
			SHA256:  digest,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(manifest.Artifacts) == 0 {
		return nil, fmt.Errorf("no artifacts found under %s", root)
	}

	sort.Slice(manifest.Artifacts, func(i, j int) bool {
		return manifest.Artifacts[i].Path < manifest.Artifacts[j].Path
	})
	return manifest, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

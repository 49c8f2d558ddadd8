package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFileName = "manifest.yaml"

// ErrArtifactNotFound means the store's manifest lists nothing for the
// requested (release, arch, kind) triple.
var ErrArtifactNotFound = errors.New("artifact not found")

// IntegrityError reports an artifact whose bytes no longer match the
// manifest's attestation. Such artifacts are never served.
type IntegrityError struct {
	Release string
	Arch    string
	Kind    Kind
	Path    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s (%s/%s/%s) failed integrity verification", e.Path, e.Release, e.Arch, e.Kind)
}

// Store reads release artifacts from a local directory whose signed
// manifest attests every file's digest. Every Fetch re-verifies the
// digest before any byte leaves the store.
type Store struct {
	root   string
	logger *log.Logger
	index  map[string]Artifact
}

// Open loads and signature-checks the manifest at the store root. A
// bad signature is fatal: the store is not used at all.
func Open(root string, signer *Signer, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	data, err := os.ReadFile(filepath.Join(root, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read store manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse store manifest: %w", err)
	}
	if err := signer.Verify(&manifest); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}

	index := make(map[string]Artifact, len(manifest.Artifacts))
	for _, a := range manifest.Artifacts {
		key := indexKey(a.Release, a.Arch, a.Kind)
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("store manifest lists %s/%s/%s twice", a.Release, a.Arch, a.Kind)
		}
		index[key] = a
	}

	logger.Printf("INFO artifact store opened at %s with %d artifacts", root, len(index))
	return &Store{root: root, logger: logger, index: index}, nil
}

// Fetch returns the verified bytes for a (release, arch, kind) triple.
// A digest or size mismatch returns an IntegrityError and no bytes.
func (s *Store) Fetch(release, arch string, kind Kind) ([]byte, error) {
	a, ok := s.index[indexKey(release, arch, kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrArtifactNotFound, release, arch, kind)
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(a.Path)))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", a.Path, err)
	}

	sum := sha256.Sum256(data)
	if int64(len(data)) != a.Size || hex.EncodeToString(sum[:]) != strings.ToLower(a.SHA256) {
		s.logger.Printf("ERROR artifact %s failed digest verification", a.Path)
		return nil, &IntegrityError{Release: release, Arch: arch, Kind: kind, Path: a.Path}
	}
	return data, nil
}

// Has reports whether the store lists the triple without reading it.
func (s *Store) Has(release, arch string, kind Kind) bool {
	_, ok := s.index[indexKey(release, arch, kind)]
	return ok
}

// WriteManifest signs the manifest and writes it to the store root.
func WriteManifest(root string, m *Manifest, signer *Signer) error {
	if err := signer.Sign(m); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, manifestFileName), data, 0o644)
}

func indexKey(release, arch string, kind Kind) string {
	return strings.ToLower(release) + "|" + strings.ToLower(arch) + "|" + string(kind)
}

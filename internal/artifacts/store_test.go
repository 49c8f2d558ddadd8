package artifacts

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer
}

func writeStore(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for rel, data := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestStoreFetchVerified(t *testing.T) {
	signer := testSigner(t)
	root := writeStore(t, map[string][]byte{
		"7.4/amd64/bootimage/miniroot74.img": []byte("boot image bytes"),
		"7.4/amd64/kernel/bsd.rd":            []byte("kernel bytes"),
	})

	manifest, err := BuildManifest(root, func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}
	if err := WriteManifest(root, manifest, signer); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	store, err := Open(root, signer, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	data, err := store.Fetch("7.4", "amd64", KindBootImage)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "boot image bytes" {
		t.Fatalf("Fetch() = %q", data)
	}

	if _, err := store.Fetch("7.4", "amd64", KindPackageSet); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("Fetch(missing) error = %v, want ErrArtifactNotFound", err)
	}
}

func TestStoreIntegrityGate(t *testing.T) {
	signer := testSigner(t)
	root := writeStore(t, map[string][]byte{
		"7.4/amd64/kernel/bsd.rd": []byte("kernel bytes"),
	})
	manifest, err := BuildManifest(root, nil)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}
	if err := WriteManifest(root, manifest, signer); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	store, err := Open(root, signer, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Corrupt the artifact after the manifest attested it.
	path := filepath.Join(root, "7.4", "amd64", "kernel", "bsd.rd")
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = store.Fetch("7.4", "amd64", KindKernel)
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("Fetch(tampered) error = %v, want *IntegrityError", err)
	}
	if integrity.Kind != KindKernel {
		t.Fatalf("integrity.Kind = %s", integrity.Kind)
	}
}

func TestOpenRejectsBadSignature(t *testing.T) {
	signer := testSigner(t)
	root := writeStore(t, map[string][]byte{
		"7.4/amd64/kernel/bsd.rd": []byte("kernel bytes"),
	})
	manifest, err := BuildManifest(root, nil)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}
	if err := WriteManifest(root, manifest, signer); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	// A different key must not verify the manifest.
	other := testSigner(t)
	if _, err := Open(root, other, testLogger()); err == nil {
		t.Fatal("Open() accepted a manifest signed by another key")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := testSigner(t)
	m := &Manifest{Version: "1", CreatedAt: time.Unix(1000, 0).UTC(), Artifacts: []Artifact{{
		Release: "7.4", Arch: "amd64", Kind: KindKernel, Path: "7.4/amd64/kernel/bsd.rd", Size: 12, SHA256: "ab",
	}}}
	if err := signer.Sign(m); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := signer.Verify(m); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	m.Artifacts[0].SHA256 = "cd"
	if err := signer.Verify(m); err == nil {
		t.Fatal("Verify() accepted a mutated manifest")
	}
}

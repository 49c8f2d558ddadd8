package installhttp

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"netbootd/internal/artifacts"
	"netbootd/internal/config"
	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/internal/session"
	"netbootd/pkg/render"
)

const testSource = `
layers:
  - tier: global
    files:
      install.conf:
        content: "base\n"
  - tier: role
    name: edge-node
    files:
      install.conf:
        content: "edge\n"
        directive: append
profiles:
  - hostname: node-07
    macs: ["aa:bb:cc:dd:ee:ff"]
    arch: amd64
    role: edge-node
    admin_ip: 10.0.0.7
    release: "7.4"
`

type fixture struct {
	api      *API
	sessions *session.Manager
	handle   *registry.Handle
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := registry.Load([]byte(testSource))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	handle := registry.NewHandle(reg)

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := artifacts.NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	root := t.TempDir()
	for rel, data := range map[string][]byte{
		"7.4/amd64/bootimage/miniroot74.img": []byte("boot image bytes"),
		"7.4/amd64/kernel/bsd.rd":            []byte("kernel bytes"),
	} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest, err := artifacts.BuildManifest(root, nil)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if err := artifacts.WriteManifest(root, manifest, signer); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	store, err := artifacts.Open(root, signer, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	engine, err := render.New()
	if err != nil {
		t.Fatalf("render engine: %v", err)
	}

	sessions := session.NewManager(30*time.Minute, logger)
	api, err := New(
		Config{HTTP: config.HTTPConfig{BaseURL: "http://10.0.0.2:8080", Port: 8080}, ServerIP: "10.0.0.2"},
		handle,
		resolve.New("\n"),
		store,
		sessions,
		engine,
		func() (*registry.Registry, error) { return registry.Load([]byte(testSource)) },
		logger,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{api: api, sessions: sessions, handle: handle, root: root}
}

// bootSession walks a session to SERVING_BOOT the way the boot
// responder would.
func (f *fixture) bootSession(t *testing.T) *session.Session {
	t.Helper()
	hw, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := f.sessions.CreateOrGet(hw)
	profile, ok := f.handle.Current().Lookup(hw.String())
	if !ok {
		t.Fatal("fixture profile missing")
	}
	if err := f.sessions.Matched(sess, profile); err != nil {
		t.Fatalf("Matched() error = %v", err)
	}
	if err := f.sessions.Advance(sess, session.EventBootSent); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	return sess
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := f.api.Routes()
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBootScriptCarriesSessionURLs(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)

	rec := f.get(t, "/v1/sessions/"+sess.TXID()+"/boot.ipxe")
	if rec.Code != http.StatusOK {
		t.Fatalf("boot.ipxe status = %d, body %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"#!ipxe", sess.TXID(), "/kernel", "/bootimage"} {
		if !strings.Contains(body, want) {
			t.Fatalf("boot script missing %q:\n%s", want, body)
		}
	}
}

func TestFullInstallReachesComplete(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)
	base := "/v1/sessions/" + sess.TXID()

	for _, path := range []string{"/bootimage", "/kernel", "/sitepkg"} {
		rec := f.get(t, base+path)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, body %s", path, rec.Code, rec.Body)
		}
	}

	// COMPLETE is terminal, so the id is no longer serviceable.
	rec := f.get(t, base+"/kernel")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("post-complete status = %d, want 404", rec.Code)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/sessions/nope/kernel")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInvalidatedSessionIsGone(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)

	router, err := f.api.Routes()
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sess.TXID(), nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = f.get(t, "/v1/sessions/"+sess.TXID()+"/kernel")
	if rec.Code != http.StatusGone {
		t.Fatalf("status after invalidate = %d, want 410", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)

	rec := f.get(t, "/v1/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].TXID != sess.TXID() {
		t.Fatalf("sessions = %+v", payload.Sessions)
	}
}

func TestReloadSwapsGeneration(t *testing.T) {
	f := newFixture(t)
	before := f.handle.Current().Generation()

	router, err := f.api.Routes()
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/registry/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body %s", rec.Code, rec.Body)
	}
	if got := f.handle.Current().Generation(); got != before+1 {
		t.Fatalf("generation = %d, want %d", got, before+1)
	}
}

func TestReloadInvalidatesLiveSessions(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)

	// Pin the session's package against the pre-reload generation.
	rec := f.get(t, "/v1/sessions/"+sess.TXID()+"/sitepkg")
	if rec.Code != http.StatusOK {
		t.Fatalf("sitepkg status = %d, body %s", rec.Code, rec.Body)
	}

	router, err := f.api.Routes()
	if err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/registry/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body %s", rec.Code, rec.Body)
	}

	// The old session may not keep serving pre-reload content; the
	// device has to re-discover against the new generation.
	rec = f.get(t, "/v1/sessions/"+sess.TXID()+"/sitepkg")
	if rec.Code != http.StatusGone {
		t.Fatalf("post-reload status = %d, want 410", rec.Code)
	}
}

func TestIntegrityFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	sess := f.bootSession(t)

	// Corrupt the kernel after the store attested it.
	path := filepath.Join(f.root, "7.4", "amd64", "kernel", "bsd.rd")
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/v1/sessions/"+sess.TXID()+"/kernel")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("tampered kernel status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "integrity verification") {
		t.Fatalf("body = %q, want an integrity error", rec.Body.String())
	}
	if got := f.sessions.Snapshot(sess).State; got != session.StateFailed {
		t.Fatalf("session state = %s, want FAILED", got)
	}
}

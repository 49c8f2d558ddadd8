package render

import (
	"strings"
	"testing"
)

func TestRenderBootScript(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := engine.Render("bootscript.ipxe.tmpl", Vars{
		Hostname:     "node-07",
		Architecture: "amd64",
		Release:      "7.4",
		BaseURL:      "http://10.0.0.1:8080",
		TXID:         "txid-1",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.HasPrefix(out, "#!ipxe") {
		t.Fatalf("script missing ipxe shebang: %q", out)
	}
	if !strings.Contains(out, "http://10.0.0.1:8080/v1/sessions/txid-1/kernel") {
		t.Fatalf("script missing kernel URL: %q", out)
	}
}

func TestExpand(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := engine.Expand("etc/myname", []byte("{{.Hostname}}.example\n"), Vars{Hostname: "node-07"})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if string(out) != "node-07.example\n" {
		t.Fatalf("Expand() = %q", out)
	}

	if _, err := engine.Expand("bad", []byte("{{.Hostname"), Vars{}); err == nil {
		t.Fatal("Expand() accepted malformed template")
	}
}

// Package sitegen expands resolved site packages into deterministic
// tar.gz archives, both for the install vendor and for offline
// generation ahead of a provisioning run.
package sitegen

import (
	"archive/tar"
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/pkg/render"
)

// hostsAppendPath is the generated fragment appended to /etc/hosts by
// the installed system's first-boot script.
const hostsAppendPath = "root/post_install_hosts_append"

// Expand applies per-host variable substitution to a resolved package
// and injects the generated hosts fragment. The resolver's output is
// shared across hosts, so expansion always works on copies.
func Expand(pkg *resolve.SitePackage, engine *render.Engine, vars render.Vars, hostsAppend []byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(pkg.Files)+1)
	for path, f := range pkg.Files {
		if f.Templated {
			expanded, err := engine.Expand(path, f.Data, vars)
			if err != nil {
				return nil, err
			}
			out[path] = expanded
			continue
		}
		out[path] = append([]byte(nil), f.Data...)
	}
	if len(hostsAppend) > 0 {
		out[hostsAppendPath] = hostsAppend
	}
	return out, nil
}

// Archive packs a file set into a tar.gz with entries sorted by path
// and a fixed timestamp, so identical inputs give identical bytes.
func Archive(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, path := range paths {
		data := files[path]
		hdr := &tar.Header{
			// Paths are archived relative so the installer can unpack
			// inside its chroot.
			Name:    "./" + path,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0).UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackageName returns the archive name for a host, keyed by release.
func PackageName(p *registry.HostProfile) string {
	return fmt.Sprintf("site%s-%s.tgz", p.Release, p.Hostname)
}

// Generate resolves and archives site packages for the named hosts, or
// for every profile when hostnames is empty, writing one tgz per host
// into outDir. Returns the written paths.
func Generate(reg *registry.Registry, resolver *resolve.Resolver, engine *render.Engine, serverIP, outDir string, hostnames []string, logger *log.Logger) ([]string, error) {
	if logger == nil {
		logger = log.Default()
	}

	profiles := make([]*registry.HostProfile, 0)
	if len(hostnames) == 0 {
		profiles = reg.Profiles()
	} else {
		for _, name := range hostnames {
			p, ok := reg.LookupHostname(name)
			if !ok {
				return nil, fmt.Errorf("no host found with name %q", name)
			}
			profiles = append(profiles, p)
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	written := make([]string, 0, len(profiles))
	for _, p := range profiles {
		chain, err := reg.LayerChainFor(p)
		if err != nil {
			return nil, err
		}
		pkg, err := resolver.Resolve(chain)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", p.Hostname, err)
		}
		vars := render.Vars{
			Hostname:     p.Hostname,
			Architecture: p.Architecture,
			Release:      p.Release,
			ServerIP:     serverIP,
		}
		files, err := Expand(pkg, engine, vars, reg.HostsAppend())
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", p.Hostname, err)
		}
		archive, err := Archive(files)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", p.Hostname, err)
		}

		dest := filepath.Join(outDir, PackageName(p))
		if err := os.WriteFile(dest, archive, 0o644); err != nil {
			return nil, err
		}
		logger.Printf("INFO wrote %s (%d files, layers %v)", dest, len(files), pkg.Contributors)
		written = append(written, dest)
	}
	return written, nil
}

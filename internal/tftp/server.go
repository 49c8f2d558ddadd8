// Package tftp serves the first-stage boot loader to clients whose
// firmware cannot speak HTTP. Read only; install artifacts go through
// the HTTP install vendor so their integrity can be attested.
package tftp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"

	"netbootd/internal/config"
)

type Server struct {
	cfg    config.TFTPConfig
	logger *log.Logger
}

func NewServer(cfg config.TFTPConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)

	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	ready.Store(true)

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(filename)
	if err != nil {
		s.logger.Printf("WARN refused TFTP read %q: %v", filename, err)
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.logger.Printf("INFO served %s via TFTP", filename)
	return nil
}

// resolve maps a requested name onto the loader root, refusing any
// request that would read outside it.
func (s *Server) resolve(filename string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(filename))
	for strings.HasPrefix(clean, string(filepath.Separator)) {
		clean = strings.TrimPrefix(clean, string(filepath.Separator))
	}
	if clean == "" || clean == "." {
		return "", fmt.Errorf("empty filename")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes loader root")
	}
	return filepath.Join(s.cfg.RootDir, clean), nil
}

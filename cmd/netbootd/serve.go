package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"netbootd/internal/artifacts"
	"netbootd/internal/audit"
	"netbootd/internal/config"
	"netbootd/internal/dhcp"
	"netbootd/internal/installhttp"
	"netbootd/internal/match"
	"netbootd/internal/metrics"
	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/internal/session"
	"netbootd/internal/tftp"
	"netbootd/pkg/bus"
	"netbootd/pkg/render"
	"netbootd/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the boot responder, TFTP loader, and install vendor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe("netbootd")
		},
	}
}

func runServe(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.LoadFile(cfg.Engine.RegistryPath)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	handle := registry.NewHandle(reg)
	logger.Printf("INFO registry loaded, %d profiles", len(reg.Profiles()))

	signer, err := artifacts.NewSignerFromEnv()
	if err != nil {
		return fmt.Errorf("artifact signer: %w", err)
	}
	store, err := artifacts.Open(cfg.Engine.ArtifactRoot, signer, logger)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	resolver := resolve.New(cfg.Engine.MergeSeparator)
	sessions := session.NewManager(cfg.Engine.SessionWindow, logger)

	var eventBus *bus.Bus
	if cfg.Engine.NATSURL != "" {
		eventBus, err = bus.New(cfg.Engine.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
	}

	var auditLog *audit.Log
	if cfg.Engine.AuditDSN != "" {
		auditLog, err = audit.Open(ctx, cfg.Engine.AuditDSN)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
	}

	sessions.OnTerminal = func(snap session.Snapshot) {
		metrics.SessionsFinished.WithLabelValues(string(snap.State)).Inc()
		publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eventBus.Publish(publishCtx, bus.SubjectSessionFinished, snap); err != nil {
			logger.Printf("WARN publish session %s: %v", snap.TXID, err)
		}
		if err := auditLog.Record(publishCtx, snap); err != nil {
			logger.Printf("WARN audit session %s: %v", snap.TXID, err)
		}
	}

	go sessions.Run(ctx, cfg.Engine.SweepInterval)

	matcher := match.New(handle, logger)

	var dhcpReady, tftpReady, httpReady atomic.Bool

	errCh := make(chan error, 3)

	if cfg.DHCP.Enabled {
		server, err := dhcp.NewServer(cfg.DHCP, matcher, sessions, cfg.HTTP.BaseURL, logger)
		if err != nil {
			return fmt.Errorf("create dhcp server: %w", err)
		}
		go func() {
			if err := server.Run(ctx, &dhcpReady); err != nil {
				errCh <- fmt.Errorf("dhcp: %w", err)
			}
		}()
	} else {
		dhcpReady.Store(true)
	}

	if cfg.TFTP.Enabled {
		server := tftp.NewServer(cfg.TFTP, logger)
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dhcpReady.Load() && tftpReady.Load() && httpReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "components not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())

	serverIP := ""
	if cfg.DHCP.ServerIP != nil {
		serverIP = cfg.DHCP.ServerIP.String()
	}
	api, err := installhttp.New(
		installhttp.Config{HTTP: cfg.HTTP, ServerIP: serverIP},
		handle,
		resolver,
		store,
		sessions,
		renderer,
		func() (*registry.Registry, error) { return registry.LoadFile(cfg.Engine.RegistryPath) },
		logger,
	)
	if err != nil {
		return fmt.Errorf("create install vendor: %w", err)
	}
	routes, err := api.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}
	mux.Handle("/v1/", routes)
	httpReady.Store(true)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO install vendor listening on %s", server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

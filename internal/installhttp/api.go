// Package installhttp is the install vendor: the HTTP surface a booting
// device downloads its boot script, kernel, boot image, and resolved
// site package from. Every route is keyed by the transaction id handed
// out during the boot exchange so no request is re-matched.
package installhttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"netbootd/internal/artifacts"
	"netbootd/internal/config"
	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/internal/session"
	"netbootd/pkg/render"
)

// Config controls runtime behaviour for the install vendor handlers.
type Config struct {
	HTTP     config.HTTPConfig
	ServerIP string
}

// API wires the engine components the install vendor serves from.
type API struct {
	cfg      Config
	registry *registry.Handle
	resolver *resolve.Resolver
	store    *artifacts.Store
	sessions *session.Manager
	renderer *render.Engine
	logger   *log.Logger
	reload   func() (*registry.Registry, error)
}

// New initialises the install vendor. reload is invoked by the admin
// reload endpoint and must return a freshly loaded registry.
func New(cfg Config, handle *registry.Handle, resolver *resolve.Resolver, store *artifacts.Store, sessions *session.Manager, renderer *render.Engine, reload func() (*registry.Registry, error), logger *log.Logger) (*API, error) {
	if handle == nil {
		return nil, errors.New("registry handle is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &API{
		cfg:      cfg,
		registry: handle,
		resolver: resolver,
		store:    store,
		sessions: sessions,
		renderer: renderer,
		logger:   logger,
		reload:   reload,
	}, nil
}

// Routes constructs the chi router containing all install endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", a.handleListSessions)
		r.Route("/sessions/{txid}", func(r chi.Router) {
			r.Delete("/", a.handleInvalidateSession)
			r.Get("/boot.ipxe", a.handleBootScript)
			r.Get("/kernel", a.handleKernel)
			r.Get("/bootimage", a.handleBootImage)
			r.Get("/sitepkg", a.handleSitePackage)
			r.Get("/pkgset", a.handlePackageSet)
		})
		r.Post("/registry/reload", a.handleReload)
	})

	return r, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

package installhttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"netbootd/internal/artifacts"
	"netbootd/internal/metrics"
	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/internal/session"
	"netbootd/internal/sitegen"
	"netbootd/pkg/render"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.Snapshots()})
}

func (a *API) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	txid := chi.URLParam(r, "txid")
	if !a.sessions.Invalidate(txid) {
		respondError(w, http.StatusNotFound, fmt.Errorf("session %s not found", txid))
		return
	}
	a.logger.Printf("INFO session %s invalidated by operator", txid)
	respondJSON(w, http.StatusNoContent, nil)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil {
		respondError(w, http.StatusNotImplemented, errors.New("reload not configured"))
		return
	}
	reg, err := a.reload()
	if err != nil {
		// the previous registry stays live; a bad source is never
		// partially applied
		a.logger.Printf("ERROR registry reload rejected: %v", err)
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.registry.Swap(reg)
	// In-flight sessions pinned packages resolved against the old
	// generation; revoke them so devices re-discover against the new one.
	invalidated := a.sessions.InvalidateAll()
	a.resolver.Purge()
	current := a.registry.Current()
	a.logger.Printf("INFO registry reloaded, generation %d, %d profiles, %d sessions invalidated", current.Generation(), len(current.Profiles()), invalidated)
	respondJSON(w, http.StatusOK, map[string]any{
		"generation":  current.Generation(),
		"profiles":    len(current.Profiles()),
		"invalidated": invalidated,
	})
}

func (a *API) handleBootScript(w http.ResponseWriter, r *http.Request) {
	sess, profile, ok := a.recoverMatched(w, r)
	if !ok {
		return
	}

	rendered, err := a.renderer.Render("bootscript.ipxe.tmpl", a.varsFor(sess, profile))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(rendered))
}

func (a *API) handleKernel(w http.ResponseWriter, r *http.Request) {
	a.serveStoreArtifact(w, r, artifacts.KindKernel, session.ArtifactKernel)
}

func (a *API) handleBootImage(w http.ResponseWriter, r *http.Request) {
	a.serveStoreArtifact(w, r, artifacts.KindBootImage, session.ArtifactBootImage)
}

// handlePackageSet streams the OS package set. Not tracked for session
// completion: installers fetch it a varying number of times.
func (a *API) handlePackageSet(w http.ResponseWriter, r *http.Request) {
	sess, profile, ok := a.recoverMatched(w, r)
	if !ok {
		return
	}
	data, ok := a.fetchVerified(w, sess, profile, artifacts.KindPackageSet)
	if !ok {
		return
	}
	metrics.ArtifactsServed.WithLabelValues(string(artifacts.KindPackageSet)).Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (a *API) handleSitePackage(w http.ResponseWriter, r *http.Request) {
	sess, profile, ok := a.recoverMatched(w, r)
	if !ok {
		return
	}
	if !a.enterInstall(w, sess) {
		return
	}

	pkg, err := a.sitePackageFor(sess, profile)
	if err != nil {
		a.failSession(sess, fmt.Sprintf("resolve site package: %v", err))
		var ce *resolve.ConflictError
		if errors.As(err, &ce) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	files, err := sitegen.Expand(pkg, a.renderer, a.varsFor(sess, profile), a.registry.Current().HostsAppend())
	if err != nil {
		a.failSession(sess, fmt.Sprintf("expand site package: %v", err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	data, err := sitegen.Archive(files)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sitegen.PackageName(profile)))
	if _, err := w.Write(data); err != nil {
		return
	}
	a.markServed(sess, session.ArtifactSitePackage)
	metrics.ArtifactsServed.WithLabelValues(session.ArtifactSitePackage).Inc()
}

func (a *API) serveStoreArtifact(w http.ResponseWriter, r *http.Request, kind artifacts.Kind, servedKind string) {
	sess, profile, ok := a.recoverMatched(w, r)
	if !ok {
		return
	}
	if !a.enterInstall(w, sess) {
		return
	}
	data, ok := a.fetchVerified(w, sess, profile, kind)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		return
	}
	a.markServed(sess, servedKind)
	metrics.ArtifactsServed.WithLabelValues(servedKind).Inc()
}

// recoverMatched loads the session for the request's transaction id and
// rejects anything a device must resolve by re-discovering.
func (a *API) recoverMatched(w http.ResponseWriter, r *http.Request) (*session.Session, *registry.HostProfile, bool) {
	txid := chi.URLParam(r, "txid")
	sess, err := a.sessions.GetByTXID(txid)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionInvalidated):
			respondError(w, http.StatusGone, err)
		case errors.Is(err, session.ErrSessionNotFound):
			respondError(w, http.StatusNotFound, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return nil, nil, false
	}

	profile := a.sessions.Profile(sess)
	if profile == nil {
		respondError(w, http.StatusConflict, fmt.Errorf("session %s has no matched profile", txid))
		return nil, nil, false
	}
	return sess, profile, true
}

// enterInstall moves a session into SERVING_INSTALL on its first
// artifact request. Later requests find it there already.
func (a *API) enterInstall(w http.ResponseWriter, sess *session.Session) bool {
	if a.sessions.State(sess) != session.StateServingBoot {
		return true
	}
	if err := a.sessions.Advance(sess, session.EventInstallStarted); err != nil {
		var invalid *session.InvalidTransitionError
		if errors.As(err, &invalid) {
			respondError(w, http.StatusConflict, err)
			return false
		}
		respondError(w, http.StatusInternalServerError, err)
		return false
	}
	return true
}

func (a *API) fetchVerified(w http.ResponseWriter, sess *session.Session, profile *registry.HostProfile, kind artifacts.Kind) ([]byte, bool) {
	data, err := a.store.Fetch(profile.Release, profile.Architecture, kind)
	if err != nil {
		var integrity *artifacts.IntegrityError
		switch {
		case errors.As(err, &integrity):
			metrics.IntegrityFailures.Inc()
			a.failSession(sess, err.Error())
			respondError(w, http.StatusBadGateway, err)
		case errors.Is(err, artifacts.ErrArtifactNotFound):
			respondError(w, http.StatusNotFound, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return data, true
}

func (a *API) sitePackageFor(sess *session.Session, profile *registry.HostProfile) (*resolve.SitePackage, error) {
	if pkg := a.sessions.Package(sess); pkg != nil {
		return pkg, nil
	}

	chain, err := a.registry.Current().LayerChainFor(profile)
	if err != nil {
		return nil, err
	}
	pkg, err := a.resolver.Resolve(chain)
	if err != nil {
		return nil, err
	}
	a.sessions.SetPackage(sess, pkg)
	return pkg, nil
}

func (a *API) failSession(sess *session.Session, reason string) {
	if err := a.sessions.Fail(sess, reason); err != nil {
		a.logger.Printf("ERROR fail session %s: %v", sess.TXID(), err)
	}
}

func (a *API) markServed(sess *session.Session, kind string) {
	done, err := a.sessions.MarkServed(sess, kind)
	if err != nil {
		a.logger.Printf("WARN mark %s served for %s: %v", kind, sess.TXID(), err)
		return
	}
	if done {
		a.logger.Printf("INFO session %s complete", sess.TXID())
	}
}

func (a *API) varsFor(sess *session.Session, profile *registry.HostProfile) render.Vars {
	return render.Vars{
		Hostname:     profile.Hostname,
		Architecture: profile.Architecture,
		Release:      profile.Release,
		ServerIP:     a.cfg.ServerIP,
		BaseURL:      a.cfg.HTTP.BaseURL,
		TXID:         sess.TXID(),
	}
}

package handler

import (
	"net/http"
	"time"

	"github.com/labiium/edurouter-go/types"
)

const maxAdminBodyBytes = 4 * 1024 * 1024

// Healthz handles GET /healthz.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"policy_revision":  a.Engine.PolicyRevision(),
		"catalog_revision": a.Engine.CatalogRevision(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminReloadPolicy handles POST /admin/policy: replace the active policy
// document. A validation failure leaves the previous snapshot active and
// is reported to the caller, never silently swallowed.
func (a *API) AdminReloadPolicy(w http.ResponseWriter, r *http.Request) {
	policyRev := a.Engine.PolicyRevision()
	var doc types.PolicyDocument
	if err := decodeJSON(r, maxAdminBodyBytes, &doc); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	if err := a.Engine.ReloadPolicy(doc); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	a.Logger.Info().Str("policy_revision", doc.Revision).Msg("policy reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"policy_revision": a.Engine.PolicyRevision()})
}

// AdminReloadCatalog handles POST /admin/catalog.
func (a *API) AdminReloadCatalog(w http.ResponseWriter, r *http.Request) {
	policyRev := a.Engine.PolicyRevision()
	var doc types.CatalogDocument
	if err := decodeJSON(r, maxAdminBodyBytes, &doc); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	if err := a.Engine.ReloadCatalog(doc); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	a.Logger.Info().Str("catalog_revision", doc.Revision).Msg("catalog reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"catalog_revision": a.Engine.CatalogRevision()})
}

// AdminReloadOverlays handles POST /admin/overlays/reload: re-scan the
// overlay directory without touching policy or catalog.
func (a *API) AdminReloadOverlays(w http.ResponseWriter, r *http.Request) {
	policyRev := a.Engine.PolicyRevision()
	if err := a.Engine.ReloadOverlays(); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	a.Logger.Info().Msg("overlays reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

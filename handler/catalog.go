package handler

import (
	"net/http"

	"github.com/labiium/edurouter-go/types"
)

// Capabilities handles GET /capabilities: supported schema versions,
// privacy modes, and the live policy's stickiness window/turn caps, for
// clients building requests against this instance.
func (a *API) Capabilities(w http.ResponseWriter, r *http.Request) {
	stickiness := a.Engine.PolicyDocument().Defaults.Stickiness
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"supported_schema_versions": types.SupportedSchemaVersions,
		"default_schema_version":    types.DefaultSchemaVersion,
		"privacy_modes":             []string{string(types.PrivacyFeaturesOnly), string(types.PrivacySummary), string(types.PrivacyFull)},
		"stickiness": map[string]interface{}{
			"max_turns": stickiness.MaxTurns,
			"window_ms": stickiness.WindowMs,
		},
		"capabilities": []string{"text", "vision", "tools", "json_mode", "structured_output", "prompt_cache"},
		"regions":      []string{"global", "eu", "us", "apac", "edge"},
		"apis":         []string{"chat", "responses"},
	})
}

// CatalogModels handles GET /catalog/models, supporting conditional
// requests via ETag/If-None-Match over the catalog's revision.
func (a *API) CatalogModels(w http.ResponseWriter, r *http.Request) {
	doc := a.Engine.CatalogDocument()
	etag := `"` + doc.Revision + `"`
	weak := `W/"` + doc.Revision + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("X-Catalog-Weak", weak)

	if inm := r.Header.Get("If-None-Match"); inm != "" && (inm == etag || inm == weak) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// Policy handles GET /policy: the active compiled policy document, for
// operators and clients verifying what is currently live.
func (a *API) Policy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.PolicyDocument())
}

// Stats handles GET /stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.Stats())
}

// MetricsHandler handles GET /metrics: the Prometheus exposition endpoint.
func (a *API) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	a.Metrics.Handler().ServeHTTP(w, r)
}

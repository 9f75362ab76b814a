package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labiium/edurouter-go/engine"
	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/types"
)

const maxPlanBodyBytes = 256 * 1024

// isSupportedSchema reports whether v is one of the schema versions this
// build accepts for POST /route/plan.
func isSupportedSchema(v string) bool {
	for _, s := range types.SupportedSchemaVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Plan handles POST /route/plan.
func (a *API) Plan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	policyRev := a.Engine.PolicyRevision()

	var req types.RouteRequest
	if err := decodeJSON(r, maxPlanBodyBytes, &req); err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID(r)
	}
	if req.SchemaVersion == "" {
		req.SchemaVersion = types.DefaultSchemaVersion
	}
	if !isSupportedSchema(req.SchemaVersion) {
		a.writeError(w, r, errs.UnsupportedSchema(req.SchemaVersion, types.SupportedSchemaVersions), policyRev)
		return
	}
	if req.Alias == "" {
		a.writeError(w, r, errs.InvalidRequest("alias is required"), policyRev)
		return
	}

	outcome, err := a.Engine.Plan(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, policyRev)
		return
	}

	elapsed := time.Since(start)
	a.setPlanHeaders(w, r, outcome, req, elapsed)
	a.Metrics.ObservePlan(req.Alias, "ok", string(outcome.CacheStatus), elapsed.Seconds())
	a.Metrics.ObserveCacheResult(string(outcome.CacheStatus))
	writeJSON(w, http.StatusOK, outcome.Plan)
}

// setPlanHeaders sets every response header the route-plan contract
// defines. Conditional headers are only set when the underlying value
// is present, per the external interface's "?" markers.
func (a *API) setPlanHeaders(w http.ResponseWriter, r *http.Request, outcome engine.PlanOutcome, req types.RouteRequest, elapsed time.Duration) {
	h := w.Header()
	h.Set("Router-Schema", req.SchemaVersion)
	h.Set("Router-Latency", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	h.Set("Config-Revision", outcome.PolicyRevision)
	h.Set("Catalog-Revision", outcome.CatalogRevision)
	h.Set("X-Route-Cache", string(outcome.CacheStatus))
	h.Set("X-Resolved-Model", outcome.Plan.Upstream.ModelID)
	h.Set("X-Route-Id", outcome.Plan.RouteID)
	h.Set("X-Policy-Rev", outcome.PolicyRevision)
	h.Set("X-Request-Id", req.RequestID)
	h.Set("X-Content-Used", string(outcome.Plan.ContentUsed))

	if outcome.Plan.Hints.Tier != nil {
		h.Set("X-Route-Tier", *outcome.Plan.Hints.Tier)
	}
	if outcome.Plan.Hints.Provider != nil {
		h.Set("X-Route-Provider", *outcome.Plan.Hints.Provider)
	}
	if outcome.RouteReason != nil {
		h.Set("X-Route-Why", *outcome.RouteReason)
	}

	if req.Trace != nil {
		if req.Trace.Traceparent != nil {
			h.Set("traceparent", *req.Trace.Traceparent)
		}
		if req.Trace.Tracestate != nil {
			h.Set("tracestate", *req.Trace.Tracestate)
		}
	}
}

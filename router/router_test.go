package router

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labiium/edurouter-go/config"
	"github.com/labiium/edurouter-go/engine"
	"github.com/labiium/edurouter-go/handler"
	"github.com/labiium/edurouter-go/observability"
	"github.com/labiium/edurouter-go/ratelimit"
	"github.com/labiium/edurouter-go/types"
)

func testCatalogDoc() types.CatalogDocument {
	return types.CatalogDocument{
		Revision: "cat-1",
		Models: []types.ModelDoc{
			{
				ID:           "m-cheap",
				Provider:     "self-hosted",
				Capabilities: types.ModelCapabilities{ContextTokens: 32_000},
				Cost:         types.ModelCost{InputPerMillionMicro: 500_000, OutputPerMillionMicro: 1_500_000},
				SLOs:         types.ModelSLOs{TargetP95Ms: 3000},
				PolicyTags:   []string{"tier:T2"},
				Metadata:     types.ModelMetadata{BaseURL: "http://cheap.local/v1"},
			},
		},
	}
}

func testPolicyDoc() types.PolicyDocument {
	return types.PolicyDocument{
		ID:       "pol",
		Revision: "pol-1",
		Weights:  types.Weights{Cost: 0.4, Latency: 0.3, Health: 0.2, Context: 0.1, TierBonus: 0.15},
		Defaults: types.Defaults{
			CostNormMicro:   2000,
			LatencyMs:       4000,
			TimeoutMs:       30_000,
			MaxOutputTokens: 256,
			MaxOverlayBytes: 4096,
		},
		Aliases: map[string]types.AliasDef{
			"edu-general": {Candidates: []string{"m-cheap"}},
		},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	eng, err := engine.Bootstrap(engine.Config{
		CacheMaxEntries:  100,
		CacheFreshTTL:    time.Minute,
		CacheStaleExtend: time.Minute,
		StickinessSecret: []byte("test-secret"),
	}, testPolicyDoc(), testCatalogDoc(), nil, zerolog.Nop())
	require.NoError(t, err)

	cfg := &config.Config{MaxBodyBytes: 256 * 1024, RateLimitEnabled: false}
	api := handler.New(eng, observability.NewMetrics(), zerolog.Nop(), nil)
	limiter := ratelimit.New(1000, 1000)
	return NewRouter(cfg, zerolog.Nop(), api, limiter)
}

func TestPlanUnknownAliasReturns404(t *testing.T) {
	r := newTestRouter(t)
	body := `{"schema_version":"1.1","request_id":"r1","alias":"missing"}`
	req := httptest.NewRequest(http.MethodPost, "/route/plan", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ALIAS_UNKNOWN")
}

func TestPlanUnsupportedSchemaReturns409WithSupportedList(t *testing.T) {
	r := newTestRouter(t)
	body := `{"schema_version":"9.9","request_id":"r1","alias":"edu-general"}`
	req := httptest.NewRequest(http.MethodPost, "/route/plan", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "UNSUPPORTED_SCHEMA")
	assert.Contains(t, w.Body.String(), "1.1")
}

func TestPlanHappyPathSetsRouteHeaders(t *testing.T) {
	r := newTestRouter(t)
	body := `{"schema_version":"1.1","request_id":"r1","alias":"edu-general","privacy_mode":"features_only"}`
	req := httptest.NewRequest(http.MethodPost, "/route/plan", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m-cheap", w.Header().Get("X-Resolved-Model"))
	assert.Equal(t, "miss", w.Header().Get("X-Route-Cache"))
	assert.NotEmpty(t, w.Header().Get("X-Route-Id"))
	assert.NotEmpty(t, w.Header().Get("Router-Latency"))
}

func TestCatalogModelsETagRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/catalog/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/catalog/models", nil)
	req2.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusNotModified, w2.Code)
}

func TestFeedbackAlwaysReturns204(t *testing.T) {
	r := newTestRouter(t)

	ok := httptest.NewRequest(http.MethodPost, "/route/feedback", bytes.NewBufferString(`{"model_id":"m-cheap","latency_ms":120}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, ok)
	assert.Equal(t, http.StatusNoContent, w.Code)

	malformed := httptest.NewRequest(http.MethodPost, "/route/feedback", bytes.NewBufferString(`not json`))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, malformed)
	assert.Equal(t, http.StatusNoContent, w2.Code)
}

func TestAdminReloadPolicyAppliesNewRevision(t *testing.T) {
	r := newTestRouter(t)

	doc := testPolicyDoc()
	doc.Revision = "pol-2"
	body := `{"id":"pol","revision":"pol-2","weights":{"cost":0.4,"latency":0.3,"health":0.2,"context":0.1,"tier_bonus":0.15},` +
		`"defaults":{"cost_norm_micro":2000,"latency_ms":4000,"timeout_ms":30000,"max_output_tokens":256,"max_overlay_bytes":4096},` +
		`"escalations":{},"aliases":{"edu-general":{"candidates":["m-cheap"]}}}`
	req := httptest.NewRequest(http.MethodPost, "/admin/policy", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pol-2")
}

func TestHealthzReportsRevisions(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), "pol-1")
	assert.Contains(t, w.Body.String(), "cat-1")
}

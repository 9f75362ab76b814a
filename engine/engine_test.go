package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/types"
)

func testCatalogDoc() types.CatalogDocument {
	return types.CatalogDocument{
		Revision: "cat-1",
		Models: []types.ModelDoc{
			{
				ID:       "m-cheap",
				Provider: "self-hosted",
				Capabilities: types.ModelCapabilities{
					ContextTokens: 32_000,
				},
				Cost:       types.ModelCost{InputPerMillionMicro: 500_000, OutputPerMillionMicro: 1_500_000},
				SLOs:       types.ModelSLOs{TargetP95Ms: 3000},
				PolicyTags: []string{"tier:T2", "T2"},
				Metadata:   types.ModelMetadata{BaseURL: "http://cheap.local/v1"},
			},
			{
				ID:       "m-premium",
				Provider: "openai",
				Capabilities: types.ModelCapabilities{
					ContextTokens: 32_000,
				},
				Cost:       types.ModelCost{InputPerMillionMicro: 5_000_000, OutputPerMillionMicro: 15_000_000},
				SLOs:       types.ModelSLOs{TargetP95Ms: 1500},
				PolicyTags: []string{"tier:T1", "T1"},
				Metadata:   types.ModelMetadata{BaseURL: "https://premium.example/v1"},
			},
		},
	}
}

func testPolicyDoc() types.PolicyDocument {
	return types.PolicyDocument{
		ID:       "pol",
		Revision: "pol-1",
		Weights: types.Weights{Cost: 0.4, Latency: 0.3, Health: 0.2, Context: 0.1, TierBonus: 0.15},
		Defaults: types.Defaults{
			CostNormMicro:   2000,
			LatencyMs:       4000,
			TimeoutMs:       30_000,
			MaxOutputTokens: 256,
			MaxOverlayBytes: 4096,
			Stickiness:      types.StickinessSettings{WindowMs: 200, MaxTurns: 4},
		},
		Escalations: types.Escalations{TokenLenOver: 2000, FallbackTier: "T2"},
		Aliases: map[string]types.AliasDef{
			"edu-general": {Candidates: []string{"m-cheap", "m-premium"}},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Bootstrap(Config{
		CacheMaxEntries:  100,
		CacheFreshTTL:    30 * time.Millisecond,
		CacheStaleExtend: 60 * time.Millisecond,
		StickinessSecret: []byte("test-secret"),
	}, testPolicyDoc(), testCatalogDoc(), nil, zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func baseRequest() types.RouteRequest {
	return types.RouteRequest{
		SchemaVersion: "1.1",
		RequestID:     "r1",
		Alias:         "edu-general",
		PrivacyMode:   types.PrivacyFeaturesOnly,
	}
}

func TestPlanBaselineMissPicksHighestScoringCandidate(t *testing.T) {
	eng := newTestEngine(t)
	outcome, err := eng.Plan(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, types.CacheMiss, outcome.CacheStatus)
	assert.Equal(t, "m-cheap", outcome.Plan.Upstream.ModelID)
	assert.Equal(t, types.ContentNone, outcome.Plan.ContentUsed)
	require.NotNil(t, outcome.Plan.Stickiness.PlanToken)
	assert.NotEmpty(t, *outcome.Plan.Stickiness.PlanToken)
}

func TestPlanCacheHitViaStickyToken(t *testing.T) {
	eng := newTestEngine(t)
	first, err := eng.Plan(context.Background(), baseRequest())
	require.NoError(t, err)

	req := baseRequest()
	req.RequestID = "r2"
	req.Overrides = map[string]interface{}{"plan_token": *first.Plan.Stickiness.PlanToken}

	second, err := eng.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.CacheHit, second.CacheStatus)
	assert.Equal(t, first.Plan.Upstream.ModelID, second.Plan.Upstream.ModelID)
	require.NotNil(t, second.RouteReason)
	assert.Equal(t, "policy_lock", *second.RouteReason)
}

func TestPlanGoesStaleAfterFreshTTL(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Plan(context.Background(), baseRequest())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	req := baseRequest()
	req.RequestID = "r2"
	outcome, err := eng.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.CacheStale, outcome.CacheStatus)
}

func TestPlanEscalatesByPromptLength(t *testing.T) {
	eng := newTestEngine(t)
	req := baseRequest()
	tokens := uint32(9000)
	req.Estimates = &types.Estimates{PromptTokens: &tokens}

	outcome, err := eng.Plan(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, outcome.RouteReason)
	assert.Equal(t, "complexity", *outcome.RouteReason)
}

func TestPlanUnknownAliasReturnsAliasUnknown(t *testing.T) {
	eng := newTestEngine(t)
	req := baseRequest()
	req.Alias = "missing"

	_, err := eng.Plan(context.Background(), req)
	require.Error(t, err)
	re, ok := err.(*errs.RouterError)
	require.True(t, ok)
	assert.Equal(t, errs.CodeAliasUnknown, re.Code)
}

func TestReloadPolicyClearsCache(t *testing.T) {
	eng := newTestEngine(t)
	first, err := eng.Plan(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, first.CacheStatus)

	doc := testPolicyDoc()
	doc.Revision = "pol-2"
	require.NoError(t, eng.ReloadPolicy(doc))

	req := baseRequest()
	req.RequestID = "r2"
	second, err := eng.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, second.CacheStatus, "reload must force the next fetch to miss")
	assert.Equal(t, "pol-2", second.PolicyRevision)
}

func TestStatsTracksCacheHitRatio(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Plan(context.Background(), baseRequest())
	require.NoError(t, err)

	stats := eng.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Equal(t, 0.0, stats.CacheHitRatio)
}

package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/labiium/edurouter-go/catalog"
	"github.com/labiium/edurouter-go/embedding"
	"github.com/labiium/edurouter-go/health"
	"github.com/labiium/edurouter-go/stickiness"
	"github.com/labiium/edurouter-go/types"
)

// candidateRef is a scored catalog entry, ready to become a primary or a
// fallback slot.
type candidateRef struct {
	model         catalog.Model
	score         float64
	estCostMicro  uint64
	estLatencyMs  uint32
	penalty       float64
}

// scoreContext bundles everything scoreCandidates needs to filter and
// score one alias's candidate set for one request.
type scoreContext struct {
	req           *types.RouteRequest
	alias         *catalog.Alias
	policy        *types.PolicyDocument
	cat           *catalog.Catalog
	health        *health.Store
	capsMask      types.CapabilityMask
	inTokens      uint32
	outTokens     uint32
	regionMask    types.RegionMask
	boost         bool
	forcedTag     *string
	canonicalHint *embedding.Selection
}

// scoreCandidates filters an alias's candidate models against capability,
// region, context-window, health, forced-tier, budget, and latency-target
// constraints, then scores and sorts survivors best-first. Ties preserve
// catalog encounter order, matching the stable sort the scoring stage
// depends on.
func scoreCandidates(ctx scoreContext) ([]candidateRef, error) {
	scored := make([]candidateRef, 0, len(ctx.alias.Candidates))

	for _, idx := range ctx.alias.Candidates {
		model := ctx.cat.Models[idx]

		if !model.Capabilities.Contains(ctx.capsMask | ctx.alias.RequireCaps) {
			continue
		}
		if !ctx.alias.AllowedRegions.Intersects(ctx.regionMask) {
			continue
		}
		if !ctx.regionMask.Intersects(model.Regions) && !model.Regions.Contains(types.RegionGlobal) {
			continue
		}
		if model.ContextTokens < ctx.inTokens+ctx.outTokens {
			continue
		}
		if model.Status == types.StatusOffline {
			continue
		}
		if ctx.forcedTag != nil && !model.HasTag("tier:"+*ctx.forcedTag) {
			continue
		}

		turns := uint32(0)
		if ctx.req.Conversation != nil && ctx.req.Conversation.Turns != nil {
			turns = *ctx.req.Conversation.Turns
		}
		_, hasPlanToken := ctx.req.OverrideString("plan_token")
		usePromptCache := model.Capabilities.Contains(types.CapPromptCache) && (turns > 0 || hasPlanToken)

		estCost := estimateCostMicro(&model, ctx.inTokens, ctx.outTokens, usePromptCache)
		if ctx.req.Budget != nil && estCost > ctx.req.Budget.AmountMicro {
			continue
		}

		stats := ctx.health.Snapshot(model.ID)
		estLatency := estimateLatency(&model, stats, ctx.inTokens, ctx.outTokens)
		if ctx.req.Targets != nil && ctx.req.Targets.P95LatencyMs != nil && estLatency > *ctx.req.Targets.P95LatencyMs {
			continue
		}

		score := computeScore(&model, stats, scoreFactors{
			estCostMicro: estCost,
			estLatencyMs: estLatency,
			inTokens:     ctx.inTokens,
			outTokens:    ctx.outTokens,
		}, ctx.policy, ctx.boost)

		if ctx.canonicalHint != nil && ctx.canonicalHint.ModelID == model.ID {
			score += ctx.canonicalHint.Score
		}

		penalty := 0.0
		if model.Status == types.StatusDegraded {
			penalty = 0.1
		}

		scored = append(scored, candidateRef{
			model:        model,
			score:        score,
			estCostMicro: estCost,
			estLatencyMs: estLatency,
			penalty:      penalty,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return scored, nil
}

// estimateCostMicro splits input tokens between a discounted
// prompt-cache-hit rate and the normal input rate when the candidate can
// and will use prompt caching for this request.
func estimateCostMicro(model *catalog.Model, inTokens, outTokens uint32, usePromptCache bool) uint64 {
	var cachedTokens, normalTokens uint64
	if usePromptCache {
		cachedTokens = uint64(math.Round(float64(inTokens) * 0.4))
		if cachedTokens > uint64(inTokens) {
			cachedTokens = uint64(inTokens)
		}
		normalTokens = uint64(inTokens) - cachedTokens
	} else {
		normalTokens = uint64(inTokens)
	}

	cachedCost := cachedTokens * model.Prices.CachedPerMillionMicro / 1_000_000
	normalCost := normalTokens * model.Prices.InputPerMillionMicro / 1_000_000
	outCost := uint64(outTokens) * model.Prices.OutputPerMillionMicro / 1_000_000

	return cachedCost + normalCost + outCost
}

// estimateLatency blends observed p50 with a generation-time estimate
// derived from the candidate's recent throughput, capped at 1.5x its
// static p95 target.
func estimateLatency(model *catalog.Model, stats health.Stats, inTokens, outTokens uint32) uint32 {
	throughput := stats.TokensPerSec
	if throughput < 60.0 {
		throughput = 60.0
	}
	genMs := float64(inTokens+outTokens) / throughput * 1000.0

	base := stats.P50Ms
	if float64(model.BaseLatencyMs) > base {
		base = float64(model.BaseLatencyMs)
	}
	latency := base + genMs

	target := model.TargetLatencyMs
	if target < 1 {
		target = 1
	}
	upRange := float64(target) * 1.5
	if latency > upRange {
		latency = upRange
	}

	return uint32(math.Round(latency))
}

type scoreFactors struct {
	estCostMicro uint64
	estLatencyMs uint32
	inTokens     uint32
	outTokens    uint32
}

// computeScore is the weighted composite: cost and latency fit fall to
// zero at the policy-configured norms and bottom out at -0.5 at 1.5x
// them, health fit penalizes recent
// error rate, context fit rewards headroom. A tier:T1 tag or an explicit
// boost adds the policy's tier_bonus; a degraded model is docked flat.
func computeScore(model *catalog.Model, stats health.Stats, f scoreFactors, policy *types.PolicyDocument, boost bool) float64 {
	defaults := policy.Defaults
	weights := policy.Weights

	costRatio := float64(f.estCostMicro) / defaults.CostNormMicro
	if costRatio > 1.5 {
		costRatio = 1.5
	}
	latencyRatio := float64(f.estLatencyMs) / defaults.LatencyMs
	if latencyRatio > 1.5 {
		latencyRatio = 1.5
	}
	fitCost := 1.0 - costRatio
	fitLatency := 1.0 - latencyRatio

	fitHealth := 1.0 - stats.ErrRate*5.0
	if fitHealth < 0 {
		fitHealth = 0
	} else if fitHealth > 1 {
		fitHealth = 1
	}

	fitContext := float64(model.ContextTokens) / float64(f.inTokens+f.outTokens+32)
	if fitContext > 1.0 {
		fitContext = 1.0
	}

	score := weights.Cost*fitCost + weights.Latency*fitLatency + weights.Health*fitHealth + weights.Context*fitContext

	hasBonus := boost || model.HasTag("tier:T1")
	if hasBonus {
		score += weights.TierBonus
	}
	if model.Status == types.StatusDegraded {
		score -= 0.05
	}

	return score
}

// choosePrimary prefers the candidate a valid stickiness token names for
// this alias, falling back to the top-scored candidate.
func choosePrimary(candidates []candidateRef, sticky *stickiness.Claims, alias string) *candidateRef {
	if sticky != nil && sticky.Alias == alias {
		for i := range candidates {
			if candidates[i].model.ID == sticky.ModelID {
				return &candidates[i]
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[0]
}

// buildFallbacks takes up to three next-best candidates after primary, in
// score order.
func buildFallbacks(candidates []candidateRef, primary *candidateRef) []candidateRef {
	out := make([]candidateRef, 0, 3)
	for _, c := range candidates {
		if c.model.ID == primary.model.ID {
			continue
		}
		out = append(out, c)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// planAssembly bundles everything materializePlan needs to build the
// wire-shape RoutePlan for a freshly scored primary candidate.
type planAssembly struct {
	req             *types.RouteRequest
	policy          *types.PolicyDocument
	overlays        types.PromptOverlays
	primary         *candidateRef
	fallbacks       []candidateRef
	outTokens       uint32
	contentUsed     types.ContentUsage
	cacheTTLMs      uint32
	freezeKey       string
	catalogRevision string
	canonical       *embedding.Selection
}

func materializePlan(a planAssembly) types.RoutePlan {
	fallbacks := make([]types.Fallback, 0, len(a.fallbacks))
	for _, c := range a.fallbacks {
		reason := "alternate"
		penalty := c.penalty
		fallbacks = append(fallbacks, types.Fallback{
			BaseURL: c.model.BaseURL,
			Mode:    c.model.Mode,
			ModelID: c.model.ID,
			Reason:  &reason,
			Penalty: &penalty,
		})
	}

	maxOutput := a.outTokens
	if a.policy.Defaults.MaxOutputTokens > 0 && a.policy.Defaults.MaxOutputTokens < maxOutput {
		maxOutput = a.policy.Defaults.MaxOutputTokens
	}
	maxInput := a.primary.model.ContextTokens
	timeout := a.policy.Defaults.TimeoutMs

	currency := "USD"
	if a.req.Budget != nil && a.req.Budget.Currency != "" {
		currency = a.req.Budget.Currency
	}

	var tier *string
	for _, tag := range a.primary.model.PolicyTags {
		if len(tag) > 5 && strings.EqualFold(tag[:5], "tier:") {
			t := tag[5:]
			tier = &t
			break
		}
	}

	etag := etagFor(a.catalogRevision, a.policy.Revision)
	explain := fmt.Sprintf("score=%.3f cost=%dµ latency=%dms", a.primary.score, a.primary.estCostMicro, a.primary.estLatencyMs)

	var canonicalBlock *types.CanonicalContext
	if a.canonical != nil {
		sc := a.canonical.Score
		modelID := a.canonical.ModelID
		canonicalBlock = &types.CanonicalContext{
			IDs:   a.canonical.CanonicalIDs,
			Model: &modelID,
			Score: &sc,
		}
	}

	revCopy := a.policy.Revision
	idCopy := a.policy.ID
	estCost := a.primary.estCostMicro
	estLatency := a.primary.estLatencyMs
	providerCopy := a.primary.model.Provider

	return types.RoutePlan{
		SchemaVersion: a.req.SchemaVersion,
		RouteID:       newRouteID(),
		Upstream: types.Upstream{
			BaseURL: a.primary.model.BaseURL,
			Mode:    a.primary.model.Mode,
			ModelID: a.primary.model.ID,
			AuthEnv: a.primary.model.AuthEnv,
			Headers: a.primary.model.Headers,
		},
		Limits: types.Limits{
			MaxInputTokens:  &maxInput,
			MaxOutputTokens: &maxOutput,
			TimeoutMs:       &timeout,
		},
		PromptOverlays: a.overlays,
		Hints: types.Hints{
			Tier:         tier,
			EstCostMicro: &estCost,
			Currency:     &currency,
			EstLatencyMs: &estLatency,
			Provider:     &providerCopy,
		},
		Fallbacks: fallbacks,
		Cache: types.CacheHints{
			TTLMs:     &a.cacheTTLMs,
			ETag:      &etag,
			FreezeKey: &a.freezeKey,
		},
		Stickiness: types.Stickiness{},
		Policy: types.PolicyInfo{
			Revision: &revCopy,
			ID:       &idCopy,
			Explain:  &explain,
		},
		PolicyRev:      a.policy.Revision,
		ContentUsed:    a.contentUsed,
		GovernanceEcho: a.policy.Governance,
		Canonical:      canonicalBlock,
	}
}

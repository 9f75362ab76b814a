// Package engine implements the RouterEngine: the candidate filter,
// scorer, and plan assembler that sits between the compiled policy/
// catalog model and the HTTP API surface. Rule precedence is
// first-match (see determineEscalation), candidate ranking is a
// weighted composite over cost, latency, health, and context fit.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/catalog"
	"github.com/labiium/edurouter-go/embedding"
	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/health"
	"github.com/labiium/edurouter-go/plancache"
	"github.com/labiium/edurouter-go/stickiness"
	"github.com/labiium/edurouter-go/types"
)

const (
	defaultPromptTokens = uint32(512)
	defaultOutputTokens = uint32(256)
)

// Config bundles the knobs Bootstrap needs that do not belong to any one
// compiled document.
type Config struct {
	OverlayDir       string
	CacheMaxEntries  int
	CacheFreshTTL    time.Duration
	CacheStaleExtend time.Duration
	StickinessSecret []byte
}

// Metrics is the engine's own request/model/cache counters, backing
// GET /stats independent of the Prometheus exposition in observability.
type Metrics struct {
	totalRequests atomic.Int64
	cacheHits     atomic.Int64
	byAlias       syncCounterMap
	byModel       syncCounterMap
}

// Engine is the RouterEngine.
type Engine struct {
	logger zerolog.Logger

	policy   atomic.Pointer[catalog.Policy]
	catalog  atomic.Pointer[catalog.Catalog]
	overlays atomic.Pointer[catalog.OverlayStore]

	overlayDir string
	cache      *plancache.Engine
	cacheTTLMs uint32

	stickinessMgr *stickiness.Manager
	health        *health.Store
	embeddingIdx  *embedding.Index

	metrics Metrics
}

// Bootstrap compiles the initial policy+catalog, loads overlays, and
// constructs every supporting component.
func Bootstrap(cfg Config, policyDoc types.PolicyDocument, catalogDoc types.CatalogDocument, emb *embedding.Index, logger zerolog.Logger) (*Engine, error) {
	compiledCatalog, err := catalog.CompileCatalog(catalogDoc)
	if err != nil {
		return nil, err
	}
	compiledPolicy, warnings, err := catalog.CompilePolicy(policyDoc, compiledCatalog)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn().Str("component", "compile_policy").Msg(w)
	}

	overlays, err := catalog.LoadOverlays(cfg.OverlayDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:        logger,
		overlayDir:    cfg.OverlayDir,
		cache:         plancache.New(cfg.CacheMaxEntries, cfg.CacheFreshTTL, cfg.CacheStaleExtend),
		cacheTTLMs:    uint32(cfg.CacheFreshTTL.Milliseconds()),
		stickinessMgr: stickiness.New(cfg.StickinessSecret),
		health:        health.NewStore(),
		embeddingIdx:  emb,
	}
	e.policy.Store(compiledPolicy)
	e.catalog.Store(compiledCatalog)
	e.overlays.Store(overlays)
	return e, nil
}

func (e *Engine) Health() *health.Store { return e.health }

func (e *Engine) PolicyRevision() string  { return e.policy.Load().Doc.Revision }
func (e *Engine) CatalogRevision() string { return e.catalog.Load().Revision }
func (e *Engine) PolicyDocument() types.PolicyDocument   { return e.policy.Load().Doc }
func (e *Engine) CatalogDocument() types.CatalogDocument { return e.catalog.Load().Raw }

// ReloadPolicy compiles doc off to the side against the current catalog
// snapshot, swaps it in, then clears the plan cache unconditionally.
func (e *Engine) ReloadPolicy(doc types.PolicyDocument) error {
	compiled, warnings, err := catalog.CompilePolicy(doc, e.catalog.Load())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		e.logger.Warn().Str("component", "reload_policy").Msg(w)
	}
	e.policy.Store(compiled)
	e.cache.Clear()
	return nil
}

// ReloadCatalog compiles doc, recompiles the current policy against the
// new catalog (alias candidate indices are only valid against the
// catalog they were resolved from), swaps both in, then clears the cache.
func (e *Engine) ReloadCatalog(doc types.CatalogDocument) error {
	compiledCatalog, err := catalog.CompileCatalog(doc)
	if err != nil {
		return err
	}
	compiledPolicy, warnings, err := catalog.CompilePolicy(e.policy.Load().Doc, compiledCatalog)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		e.logger.Warn().Str("component", "reload_catalog").Msg(w)
	}
	e.catalog.Store(compiledCatalog)
	e.policy.Store(compiledPolicy)
	e.cache.Clear()
	return nil
}

// ReloadOverlays re-scans the overlay directory and swaps the result in.
func (e *Engine) ReloadOverlays() error {
	overlays, err := catalog.LoadOverlays(e.overlayDir)
	if err != nil {
		return err
	}
	e.overlays.Store(overlays)
	e.cache.Clear()
	return nil
}

// PlanOutcome is the result of a successful Plan call.
type PlanOutcome struct {
	Plan            types.RoutePlan
	CacheStatus      types.CacheStatus
	PolicyRevision   string
	CatalogRevision  string
	RouteReason      *string
}

// Plan runs the full stage pipeline described by the control plane's
// design: snapshot, resolve alias, extract inputs, resolve overlay,
// escalate, canonical-match, verify stickiness, look up cache, filter
// candidates, score, choose primary + fallbacks, materialize, attach
// stickiness, insert into cache, update counters.
func (e *Engine) Plan(ctx context.Context, req types.RouteRequest) (PlanOutcome, error) {
	policy := e.policy.Load()
	cat := e.catalog.Load()
	overlays := e.overlays.Load()

	alias, ok := policy.AliasMap[req.Alias]
	if !ok {
		return PlanOutcome{}, errs.AliasUnknown(req.Alias)
	}

	capsMask := capsFromRequest(&req)
	jsonMode := req.JSONMode()
	inTokens := defaultPromptTokens
	if req.Estimates != nil && req.Estimates.PromptTokens != nil {
		inTokens = *req.Estimates.PromptTokens
	}
	outTokens := policy.Doc.Defaults.MaxOutputTokens
	if req.Estimates != nil && req.Estimates.MaxOutputTokens != nil {
		outTokens = *req.Estimates.MaxOutputTokens
	}
	if outTokens == 0 {
		outTokens = defaultOutputTokens
	}

	regionMask := regionFromRequest(&req)
	boost := hasTeacherBoost(&req)

	var stickyClaims *stickiness.Claims
	stickyCfg := policy.Doc.Defaults.Stickiness
	stickyEnabled := stickyCfg.MaxTurns != 0 && stickyCfg.WindowMs != 0
	if tokenStr, ok := req.OverrideString("plan_token"); ok && tokenStr != "" && stickyEnabled {
		claims, err := stickiness.Verify(e.stickinessMgr, tokenStr)
		if err != nil {
			e.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("invalid stickiness token")
		} else {
			stickyClaims = &claims
		}
	}

	var stickyModelIndex uint32
	if stickyClaims != nil {
		if idx, ok := cat.Index[stickyClaims.ModelID]; ok {
			stickyModelIndex = uint32(idx)
		}
	}

	contentUsed := determineContentUsage(&req)
	freezeKey := freezeKeyFromRequest(&req, policy.Doc.Revision)

	promptOverlays, err := resolveOverlay(&req, &policy.Doc, overlays, policy.Doc.Defaults.MaxOverlayBytes)
	if err != nil {
		return PlanOutcome{}, err
	}
	overlayFP := "overlay:none"
	if promptOverlays.OverlayFingerprint != nil {
		overlayFP = *promptOverlays.OverlayFingerprint
	}
	overlayHash := plancache.HashString(overlayFP)

	forcedTier, baseReason := determineEscalation(&req, &policy.Doc, policy.UncertaintyRegex, inTokens, boost)

	var canonicalSel *embedding.Selection
	if e.embeddingIdx != nil {
		summary := summaryText(&req)
		if summary != "" {
			sel, found, err := e.embeddingIdx.Query(ctx, summary)
			if err != nil {
				e.logger.Warn().Err(err).Msg("embedding routing failed")
			} else if found {
				canonicalSel = &sel
				if baseReason == nil {
					r := "canonical:" + sel.ModelID
					baseReason = &r
				}
			}
		}
	}

	var canonicalHash uint64
	if canonicalSel != nil {
		canonicalHash = canonicalSel.Hash()
	}

	cacheKey := plancache.DeriveKey(
		policy.Doc.Revision,
		plancache.HashString(req.Alias),
		uint64(capsMask),
		jsonMode,
		plancache.TokenBucket(inTokens),
		plancache.TokenBucket(outTokens),
		uint32(regionMask),
		boost,
		stickyModelIndex,
		overlayHash,
		req.PrivacyMode,
		req.Api,
		plancache.HashString(freezeKey),
		canonicalHash,
	)

	if hit, found := e.cache.Get(cacheKey); found {
		responsePlan := hit.Plan
		e.attachStickiness(&policy.Doc, &req, &responsePlan, stickyClaims)

		effectiveReason := hit.RouteReason
		if stickyClaims != nil {
			r := "policy_lock"
			effectiveReason = &r
		}

		e.metrics.totalRequests.Add(1)
		e.metrics.cacheHits.Add(1)
		e.metrics.byAlias.inc(req.Alias)

		return PlanOutcome{
			Plan:            responsePlan,
			CacheStatus:     hit.Status,
			PolicyRevision:  policy.Doc.Revision,
			CatalogRevision: cat.Revision,
			RouteReason:     effectiveReason,
		}, nil
	}

	sctx := scoreContext{
		req:           &req,
		alias:         &alias,
		policy:        &policy.Doc,
		cat:           cat,
		health:        e.health,
		capsMask:      capsMask,
		inTokens:      inTokens,
		outTokens:     outTokens,
		regionMask:    regionMask,
		boost:         boost,
		forcedTag:     forcedTier,
		canonicalHint: canonicalSel,
	}
	candidates, err := scoreCandidates(sctx)
	if err != nil {
		return PlanOutcome{}, err
	}
	if len(candidates) == 0 && forcedTier != nil {
		baseReason = nil
		sctx.forcedTag = nil
		candidates, err = scoreCandidates(sctx)
		if err != nil {
			return PlanOutcome{}, err
		}
	}
	if len(candidates) == 0 {
		return PlanOutcome{}, errs.PlanningFailed("no candidates after scoring")
	}

	primary := choosePrimary(candidates, stickyClaims, req.Alias)

	if stickyClaims != nil && stickyClaims.Alias == req.Alias && stickyClaims.ModelID == primary.model.ID {
		r := "policy_lock"
		baseReason = &r
	}

	fallbacks := buildFallbacks(candidates, primary)

	blueprint := materializePlan(planAssembly{
		req:             &req,
		policy:          &policy.Doc,
		overlays:        promptOverlays,
		primary:         primary,
		fallbacks:       fallbacks,
		outTokens:       outTokens,
		contentUsed:     contentUsed,
		cacheTTLMs:      e.cacheTTLMs,
		freezeKey:       freezeKey,
		catalogRevision: cat.Revision,
		canonical:       canonicalSel,
	})

	responsePlan := blueprint.Clone()
	claims := e.attachStickiness(&policy.Doc, &req, &responsePlan, stickyClaims)

	var validUntil *time.Time
	if claims != nil {
		t := claims.ExpiresAtTime()
		validUntil = &t
	}

	e.cache.Insert(cacheKey, blueprint, validUntil, baseReason)

	e.metrics.byModel.inc(primary.model.ID)
	e.metrics.totalRequests.Add(1)
	e.metrics.byAlias.inc(req.Alias)

	return PlanOutcome{
		Plan:            responsePlan,
		CacheStatus:     types.CacheMiss,
		PolicyRevision:  policy.Doc.Revision,
		CatalogRevision: cat.Revision,
		RouteReason:     baseReason,
	}, nil
}

// attachStickiness fills in plan.Stickiness (and, when a token is
// issued/progressed, plan.Cache.ValidUntil) on the response plan only;
// the cached blueprint never carries a token.
func (e *Engine) attachStickiness(policy *types.PolicyDocument, req *types.RouteRequest, plan *types.RoutePlan, existing *stickiness.Claims) *stickiness.Claims {
	cfg := policy.Defaults.Stickiness
	if cfg.MaxTurns == 0 || cfg.WindowMs == 0 {
		plan.Stickiness = types.Stickiness{}
		return nil
	}

	modelID := plan.Upstream.ModelID
	var tenant, project *string
	if req.Org != nil {
		tenant, project = req.Org.Tenant, req.Org.Project
	}

	var token string
	var claims stickiness.Claims
	var err error

	if existing != nil && existing.Alias == req.Alias && existing.ModelID == modelID && existing.Turn+1 < existing.MaxTurns {
		token, claims, err = stickiness.Progress(e.stickinessMgr, *existing, cfg.WindowMs)
	} else {
		token, claims, err = stickiness.Issue(e.stickinessMgr, tenant, project, req.Alias, modelID, cfg.MaxTurns, cfg.WindowMs)
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to attach stickiness token")
		return nil
	}

	expiresAt := claims.ExpiresAtTime().UTC().Format(time.RFC3339)
	plan.Stickiness = types.Stickiness{
		PlanToken: &token,
		MaxTurns:  &claims.MaxTurns,
		ExpiresAt: &expiresAt,
	}
	plan.Cache.ValidUntil = &expiresAt
	return &claims
}

// Stats is the GET /stats payload.
type Stats struct {
	TotalRequests   int64            `json:"total_requests"`
	CacheHits       int64            `json:"cache_hits"`
	CacheHitRatio   float64          `json:"cache_hit_ratio"`
	RequestsByAlias map[string]int64 `json:"requests_by_alias"`
	ModelShare      map[string]int64 `json:"model_share"`
	Cache           plancache.Stats  `json:"cache"`
}

func (e *Engine) Stats() Stats {
	total := e.metrics.totalRequests.Load()
	hits := e.metrics.cacheHits.Load()
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		TotalRequests:   total,
		CacheHits:       hits,
		CacheHitRatio:   ratio,
		RequestsByAlias: e.metrics.byAlias.snapshot(),
		ModelShare:      e.metrics.byModel.snapshot(),
		Cache:           e.cache.Stats(),
	}
}

func overlayFingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func newRouteID() string { return uuid.NewString() }

func etagFor(catalogRev, policyRev string) string {
	return fmt.Sprintf(`W/"cat_%s@pol_%s"`, catalogRev, policyRev)
}

// Package catalog normalizes raw PolicyDocument/CatalogDocument JSON into
// bitmask-indexed compiled forms the engine can filter and score without
// re-parsing on every request.
//
// CompileCatalog and CompilePolicy are deterministic and side-effect
// free: same input document, same compiled output, every time. Each
// rebuilds a derived lookup structure off to the side on every config
// change rather than mutating one in place.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/types"
)

const minContextTokens = 1024

// ModelPrice is the compiled per-million-token pricing for a model.
type ModelPrice struct {
	InputPerMillionMicro  uint64
	OutputPerMillionMicro uint64
	CachedPerMillionMicro uint64
}

// Model is a compiled catalog entry.
type Model struct {
	ID              string
	Provider        string
	BaseURL         string
	Mode            types.UpstreamMode
	AuthEnv         *string
	Headers         map[string]string
	Capabilities    types.CapabilityMask
	Regions         types.RegionMask
	ContextTokens   uint32
	Prices          ModelPrice
	TargetLatencyMs uint32
	BaseLatencyMs   uint32
	Status          types.ModelStatus
	PolicyTags      []string
}

func (m *Model) HasTag(tag string) bool {
	for _, t := range m.PolicyTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Catalog is the compiled catalog: a dense model list plus an id→index
// map. Indices are stable for the lifetime of this compiled value.
type Catalog struct {
	Revision string
	Models   []Model
	Index    map[string]int
	Raw      types.CatalogDocument
}

// CompileCatalog validates and normalizes a raw CatalogDocument.
func CompileCatalog(doc types.CatalogDocument) (*Catalog, error) {
	models := make([]Model, 0, len(doc.Models))
	index := make(map[string]int, len(doc.Models))

	for _, raw := range doc.Models {
		if raw.Metadata.BaseURL == "" {
			return nil, errs.New(errs.CodeCatalogUnavailable, fmt.Sprintf("model %q missing base_url", raw.ID))
		}

		mode := types.ModeResponses
		switch strings.ToLower(raw.Metadata.Mode) {
		case "", "responses":
			mode = types.ModeResponses
		case "chat":
			mode = types.ModeChat
		}

		capMask, _ := types.CapabilityFromNames(raw.Capabilities.Modalities)
		capMask |= types.CapText
		if raw.Capabilities.Tools {
			capMask |= types.CapTools
		}
		if raw.Capabilities.JSONMode {
			capMask |= types.CapJSON
		}
		if raw.Capabilities.StructuredOutput {
			capMask |= types.CapStructured
		}
		if raw.Capabilities.PromptCache {
			capMask |= types.CapPromptCache
		}

		regionMask, _ := types.RegionFromNames(raw.Regions)
		if regionMask == 0 {
			regionMask = types.RegionGlobal
		}

		contextTokens := raw.Capabilities.ContextTokens
		if contextTokens < minContextTokens {
			contextTokens = minContextTokens
		}

		targetP95 := raw.SLOs.TargetP95Ms
		baseLatency := uint32(float64(targetP95) * 0.4)
		if raw.SLOs.Recent != nil && raw.SLOs.Recent.P50Ms != nil {
			baseLatency = *raw.SLOs.Recent.P50Ms
		}

		cachedPrice := raw.Cost.InputPerMillionMicro / 2
		if raw.Cost.CachedPerMillionMicro != nil {
			cachedPrice = *raw.Cost.CachedPerMillionMicro
		}

		status := types.StatusHealthy
		switch strings.ToLower(raw.Status) {
		case "degraded":
			status = types.StatusDegraded
		case "offline", "drained":
			status = types.StatusOffline
		}

		var authEnv *string
		if raw.Metadata.AuthEnv != "" {
			v := raw.Metadata.AuthEnv
			authEnv = &v
		}

		m := Model{
			ID:            raw.ID,
			Provider:      raw.Provider,
			BaseURL:       raw.Metadata.BaseURL,
			Mode:          mode,
			AuthEnv:       authEnv,
			Headers:       raw.Metadata.Headers,
			Capabilities:  capMask,
			Regions:       regionMask,
			ContextTokens: contextTokens,
			Prices: ModelPrice{
				InputPerMillionMicro:  raw.Cost.InputPerMillionMicro,
				OutputPerMillionMicro: raw.Cost.OutputPerMillionMicro,
				CachedPerMillionMicro: cachedPrice,
			},
			TargetLatencyMs: targetP95,
			BaseLatencyMs:   baseLatency,
			Status:          status,
			PolicyTags:      raw.PolicyTags,
		}

		index[m.ID] = len(models)
		models = append(models, m)
	}

	return &Catalog{Revision: doc.Revision, Models: models, Index: index, Raw: doc}, nil
}

// Alias is a compiled alias: candidate model indices plus required
// capability and allowed-region masks.
type Alias struct {
	Candidates     []int
	RequireCaps    types.CapabilityMask
	AllowedRegions types.RegionMask
}

// Policy is the compiled policy.
type Policy struct {
	Doc              types.PolicyDocument
	AliasMap         map[string]Alias
	UncertaintyRegex *regexp.Regexp
}

// CompilePolicy resolves alias candidates against an already-compiled
// catalog, dropping (with the caller expected to log) any candidate id
// that does not resolve — per the invariant, unresolved references are
// logged and dropped, never fatal.
func CompilePolicy(doc types.PolicyDocument, cat *Catalog) (*Policy, []string, error) {
	aliasMap := make(map[string]Alias, len(doc.Aliases))
	var warnings []string

	for name, def := range doc.Aliases {
		var candidates []int
		for _, id := range def.Candidates {
			idx, ok := cat.Index[id]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("alias %q: unknown model %q dropped", name, id))
				continue
			}
			candidates = append(candidates, idx)
		}

		reqCaps, _ := types.CapabilityFromNames(def.RequireCaps)
		allowedRegions, _ := types.RegionFromNames(def.AllowedRegions)
		if allowedRegions == 0 {
			allowedRegions = types.RegionGlobal | types.RegionEU | types.RegionUS | types.RegionAPAC | types.RegionEdge
		}

		aliasMap[name] = Alias{
			Candidates:     candidates,
			RequireCaps:    reqCaps,
			AllowedRegions: allowedRegions,
		}
	}

	var re *regexp.Regexp
	if doc.Escalations.UncertaintyRegex != "" {
		compiled, err := regexp.Compile(doc.Escalations.UncertaintyRegex)
		if err != nil {
			return nil, warnings, errs.New(errs.CodeInvalidRequest, fmt.Sprintf("invalid uncertainty_regex: %v", err))
		}
		re = compiled
	}

	return &Policy{Doc: doc, AliasMap: aliasMap, UncertaintyRegex: re}, warnings, nil
}

// OverlayStore holds the loaded content of every overlay file, keyed by
// overlay id (the file's base name without extension).
type OverlayStore struct {
	Content map[string]string
}

// LoadOverlays scans dir for plain-text overlay files. A missing
// directory is treated as empty rather than an error, per the design's
// "missing overlay directory is equivalent to empty" recovery rule.
func LoadOverlays(dir string) (*OverlayStore, error) {
	content := make(map[string]string)
	if dir == "" {
		return &OverlayStore{Content: content}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &OverlayStore{Content: content}, nil
		}
		return nil, fmt.Errorf("reading overlay dir %q: %w", dir, err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		content[id] = string(data)
	}

	return &OverlayStore{Content: content}, nil
}

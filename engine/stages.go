package engine

import (
	"regexp"
	"strings"

	"github.com/labiium/edurouter-go/catalog"
	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/types"
)

func capsFromRequest(req *types.RouteRequest) types.CapabilityMask {
	mask, _ := types.CapabilityFromNames(req.Caps)
	return mask | types.CapText
}

func regionFromRequest(req *types.RouteRequest) types.RegionMask {
	if req.GeoField == nil || req.GeoField.Region == nil {
		return types.RegionGlobal
	}
	mask, _ := types.RegionFromNames([]string{strings.ToLower(*req.GeoField.Region)})
	if mask == 0 {
		return types.RegionGlobal
	}
	return mask
}

func hasTeacherBoost(req *types.RouteRequest) bool {
	b, ok := req.OverrideBool("teacher_boost")
	return ok && b
}

// determineContentUsage mirrors the request's declared content attestation
// when present, otherwise derives it from privacy_mode.
func determineContentUsage(req *types.RouteRequest) types.ContentUsage {
	if req.ContentAttestation != nil {
		switch *req.ContentAttestation {
		case string(types.ContentNone), string(types.ContentSummary), string(types.ContentFull):
			return types.ContentUsage(*req.ContentAttestation)
		}
	}
	switch req.PrivacyMode {
	case types.PrivacyFeaturesOnly:
		return types.ContentNone
	case types.PrivacySummary:
		return types.ContentSummary
	case types.PrivacyFull:
		return types.ContentFull
	default:
		return types.ContentNone
	}
}

func freezeKeyFromRequest(req *types.RouteRequest, policyRev string) string {
	if fk, ok := req.OverrideString("freeze_key"); ok && fk != "" {
		return fk
	}
	return "frz_" + policyRev
}

func summaryText(req *types.RouteRequest) string {
	if req.Conversation == nil || req.Conversation.Summary == nil {
		return ""
	}
	return *req.Conversation.Summary
}

// determineEscalation picks a forced tier and the reason to report for it,
// in strict precedence order: explicit boost override, prompt length,
// uncertainty-regex match against the conversation summary, then an SCPI
// error flag both the policy and the request must agree is present.
func determineEscalation(req *types.RouteRequest, policy *types.PolicyDocument, uncertaintyRe *regexp.Regexp, inTokens uint32, boost bool) (*string, *string) {
	fallback := strings.ToUpper(policy.Escalations.FallbackTier)
	if fallback == "" {
		fallback = "T3"
	}

	if boost {
		target := strings.ToUpper(policy.Escalations.TeacherBoostTier)
		if target == "" {
			target = fallback
		}
		reason := "teacher_boost"
		return &target, &reason
	}

	if limit := policy.Escalations.TokenLenOver; limit > 0 && inTokens > limit {
		reason := "complexity"
		f := fallback
		return &f, &reason
	}

	if uncertaintyRe != nil {
		if summary := summaryText(req); summary != "" && uncertaintyRe.MatchString(summary) {
			reason := "uncertainty"
			f := fallback
			return &f, &reason
		}
	}

	if policy.Escalations.ScpiErrorPresent {
		if flag, ok := req.OverrideBool("scpi_error_present"); ok && flag {
			reason := "policy_lock"
			f := fallback
			return &f, &reason
		}
	}

	return nil, nil
}

// resolveOverlay looks up the system prompt overlay for (alias, role),
// hashing its content into a fingerprint. An overlay that exceeds
// max_overlay_bytes is a hard deny; an overlay id that resolves but whose
// content is missing from the store is recorded as a non-fatal
// "missing:<id>" fingerprint.
func resolveOverlay(req *types.RouteRequest, policy *types.PolicyDocument, overlays *catalog.OverlayStore, maxOverlayBytes uint32) (types.PromptOverlays, error) {
	role := "default"
	if req.Org != nil && req.Org.Role != nil && *req.Org.Role != "" {
		role = *req.Org.Role
	}

	var overlayID string
	if byRole, ok := policy.OverlayMap[req.Alias]; ok {
		overlayID = byRole[role]
	}
	if overlayID == "" {
		overlayID = policy.OverlayDefault[role]
	}

	zero := uint32(0)
	block := types.PromptOverlays{
		OverlaySizeBytes: &zero,
		MaxOverlayBytes:  &maxOverlayBytes,
	}
	if overlayID == "" {
		return block, nil
	}

	content, ok := overlays.Content[overlayID]
	if !ok {
		missing := "missing:" + overlayID
		block.OverlayFingerprint = &missing
		return block, nil
	}

	size := uint32(len(content))
	if size > maxOverlayBytes {
		return types.PromptOverlays{}, errs.PolicyDeny(
			"overlay " + overlayID + " exceeds max_overlay_bytes",
		)
	}

	fp := overlayFingerprint(content)
	block.SystemOverlay = &content
	block.OverlayFingerprint = &fp
	block.OverlaySizeBytes = &size
	return block, nil
}

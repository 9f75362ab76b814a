package handler

import (
	"net/http"

	"github.com/labiium/edurouter-go/types"
)

const maxFeedbackBodyBytes = 16 * 1024

// Feedback handles POST /route/feedback. Feedback is best-effort: even a
// malformed or semantically empty body yields 204, never an error — a
// stray or late feedback event must never surface to a caller as a
// request failure.
func (a *API) Feedback(w http.ResponseWriter, r *http.Request) {
	var fb types.RouteFeedback
	if err := decodeJSON(r, maxFeedbackBodyBytes, &fb); err != nil {
		a.Logger.Warn().Err(err).Msg("discarding malformed feedback body")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if fb.ModelID != "" {
		latency := 0.0
		if fb.LatencyMs != nil {
			latency = *fb.LatencyMs
		}
		errored := fb.Error != nil && *fb.Error
		tps := 0.0
		if fb.TokensPerSec != nil {
			tps = *fb.TokensPerSec
		}
		a.Engine.Health().RecordFeedback(fb.ModelID, latency, errored, tps)

		if a.Redis != nil {
			a.Redis.PublishFeedback(r.Context(), fb)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

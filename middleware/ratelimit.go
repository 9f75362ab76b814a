package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/ratelimit"
	"github.com/labiium/edurouter-go/types"
)

// RateLimit wraps a ratelimit.Limiter as an HTTP middleware, keyed by the
// request's alias-agnostic client identity (remote address, since the
// router has no authenticated caller identity — see Non-goals). Refusals
// map to POLICY_DENY's documented status; this middleware only sets the
// advisory rate-limit headers and the error envelope on refusal.
type RateLimit struct {
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	enabled bool
}

func NewRateLimit(limiter *ratelimit.Limiter, logger zerolog.Logger, enabled bool) *RateLimit {
	return &RateLimit{limiter: limiter, logger: logger, enabled: enabled}
}

func (rl *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		allowed, remaining, rate := rl.limiter.Check(key)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Refill-Per-Sec", strconv.FormatFloat(rate, 'f', 2, 64))

		if !allowed {
			re := errs.New(errs.CodePolicyDeny, "rate limit exceeded")
			envelope := errs.ToEnvelope(
				re,
				r.Header.Get("X-Request-Id"),
				"",
				types.DefaultSchemaVersion,
			)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(re.HTTPStatus())
			_ = json.NewEncoder(w).Encode(envelope)
			rl.logger.Warn().Str("key", key).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartIdleSweep runs limiter.Sweep on a ticker until stop is closed.
func StartIdleSweep(limiter *ratelimit.Limiter, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			limiter.Sweep()
		}
	}
}

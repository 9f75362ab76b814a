// Package handler implements the router's HTTP API surface: one thin
// adapter per endpoint, translating between net/http and the engine's
// Plan/Reload/Stats calls. All error responses funnel through a single
// writeError helper so the external envelope is built in exactly one
// place.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/engine"
	"github.com/labiium/edurouter-go/errs"
	"github.com/labiium/edurouter-go/observability"
	"github.com/labiium/edurouter-go/redisclient"
	"github.com/labiium/edurouter-go/types"
)

// API bundles every dependency the handler set needs. Redis is optional:
// a nil value means this replica has no cross-replica health broadcast.
type API struct {
	Engine  *engine.Engine
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Redis   *redisclient.Client
}

func New(eng *engine.Engine, metrics *observability.Metrics, logger zerolog.Logger, redis *redisclient.Client) *API {
	return &API{Engine: eng, Metrics: metrics, Logger: logger, Redis: redis}
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps any error to the external envelope exactly once. The
// boundary log line carries request_id and code; callers must not also
// log the same error on the way out.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, policyRev string) {
	envelope := errs.ToEnvelope(err, requestID(r), policyRev, types.DefaultSchemaVersion)

	status := http.StatusInternalServerError
	if casted, ok := err.(*errs.RouterError); ok {
		status = casted.HTTPStatus()
	}

	a.Logger.Error().
		Str("request_id", requestID(r)).
		Str("code", string(envelope.Code)).
		Str("path", r.URL.Path).
		Err(err).
		Msg("request failed")

	if envelope.RetryHintMs > 0 {
		w.Header().Set("Retry-After", time.Duration(envelope.RetryHintMs*int(time.Millisecond)).String())
	}
	writeJSON(w, status, envelope)
}

// decodeJSON reads and decodes a JSON request body, rejecting unknown
// fields so malformed client payloads surface as INVALID_REQUEST rather
// than being silently ignored.
func decodeJSON(r *http.Request, body int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, body)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.InvalidRequest("malformed JSON body: " + err.Error())
	}
	return nil
}

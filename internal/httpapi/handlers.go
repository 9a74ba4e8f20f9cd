package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/acl"
	"github.com/londonhackspace/acserver/internal/apikey"
	"github.com/londonhackspace/acserver/internal/obs"
	"github.com/londonhackspace/acserver/internal/stream"
)

const (
	defaultRateBurst  = 20
	defaultRatePerSec = 10
	defaultMaxBody    = 1 << 16
)

// API is the HTTP surface: the node protocol, the monitoring API and the
// ops endpoints.
type API struct {
	mux        *http.ServeMux
	svc        *acl.Service
	keys       *apikey.Keys
	stream     *stream.Hub
	version    string
	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option configures API.
type Option func(*API)

// WithAPIKeys enables the monitoring API. Without keys every /api/ request
// is refused.
func WithAPIKeys(k *apikey.Keys) Option {
	return func(a *API) { a.keys = k }
}

// WithEventStream serves hub's events at /api/events.
func WithEventStream(hub *stream.Hub) Option {
	return func(a *API) { a.stream = hub }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(svc *acl.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		version:    "dev",
		rateBurst:  defaultRateBurst,
		ratePerSec: defaultRatePerSec,
		maxBody:    defaultMaxBody,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/api/", a.withAPIKey(http.HandlerFunc(a.handleAPI)))

	// Everything else is the node protocol, rooted at /{node_id}/.
	a.mux.HandleFunc("/", a.handleNode)

	return a
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "acserver",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// writeCode writes a node protocol response: a single integer.
func writeCode(w http.ResponseWriter, code int, value int) {
	writeText(w, code, strconv.Itoa(value))
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleNodeError answers a node request that failed. Bad input is the
// node's misconfiguration; anything else is reported as -1 so that a store
// fault is never mistaken for a denial.
func handleNodeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, acl.ErrInvalidCard),
		errors.Is(err, acl.ErrInvalidStatus),
		errors.Is(err, acl.ErrInvalidDuration),
		errors.Is(err, errBadNode),
		errors.Is(err, errBadSeconds):
		writeCode(w, http.StatusBadRequest, -1)
	case errors.Is(err, acl.ErrNotFound):
		writeCode(w, http.StatusNotFound, -1)
	default:
		obs.RecordStoreError(op)
		obs.Logger().Error("node request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("operation", op),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeCode(w, http.StatusInternalServerError, -1)
	}
}

func handleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, acl.ErrInvalidCard), errors.Is(err, errBadUser):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, acl.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		obs.Logger().Error("api request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

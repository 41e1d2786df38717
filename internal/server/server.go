// Package server wires the admission pipeline into the two chi routers
// named by spec §6: the proxy port, which authenticates and forwards
// requests, and the admin port, mounted separately in internal/adminapi.
//
// Grounded on the lineage's router/router.go (chi.NewRouter, an ordered
// middleware chain, health endpoints mounted unauthenticated ahead of the
// authenticated route group) reworked from the lineage's many provider
// routes into a single catch-all proxy route behind one auth gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hwuu/pylon/internal/admission"
	"github.com/hwuu/pylon/internal/counter"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/proxy"
	"github.com/hwuu/pylon/internal/queue"
	"github.com/hwuu/pylon/internal/recorder"
)

// Resolver is the subset of the Key Store (or an identitycache.Cache
// wrapping it) the proxy route needs.
type Resolver interface {
	Resolve(ctx context.Context, presented string) (*keystore.Identity, error)
}

// Deps bundles everything the proxy router needs to authenticate, admit,
// and forward a request.
type Deps struct {
	Policy   *policy.Store
	Keys     Resolver
	Bank     *counter.Bank
	Queue    *queue.Queue
	Admitter *admission.Controller
	Proxy    *proxy.Engine
	Recorder recorder.Sink
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// NewProxyRouter returns the chi router mounted on the proxy port: an
// unauthenticated /health endpoint and a catch-all authenticated route
// that runs every request through the admission pipeline.
func NewProxyRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))

	r.Get("/health", d.handleHealth)

	// chi has no wildcard-any-method-any-path primitive; register the
	// catch-all proxy handler for every verb under "/*" and fall back to
	// it for anything chi would otherwise report as not-found.
	r.NotFound(d.handleProxy)
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	} {
		r.MethodFunc(method, "/*", d.handleProxy)
	}

	return r
}

func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := d.Policy.Snapshot()
	downstreamStatus := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := pingDownstream(ctx, snap.Downstream.BaseURL); err != nil {
		downstreamStatus = "error"
	}

	bankSnap := d.Bank.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"downstream":         downstreamStatus,
		"queue_size":         d.Queue.Size(),
		"active_connections": bankSnap.GlobalConcurrent,
	})
}

func pingDownstream(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (d Deps) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ident, err := d.authenticate(r)
	if err != nil {
		d.reject(w, r, rejectCtx{start: start, status: http.StatusUnauthorized, code: "unauthorized", message: err.Error()})
		return
	}

	snap := d.Policy.Snapshot()
	api := admission.MatchAPI(snap, r.Method, r.URL.Path)
	isSSE := r.Header.Get("Accept") == "text/event-stream"

	res := d.Admitter.Admit(r.Context(), snap, ident, api, isSSE)
	ctx := rejectCtx{start: start, identityID: ident.ID, api: api}
	switch res.Decision {
	case admission.DecisionAdmitted:
		d.Proxy.Forward(w, r, snap, d.Admitter, ident, res.Ticket, d.Recorder, api)
	case admission.DecisionRateLimited:
		ctx.status, ctx.code, ctx.message, ctx.rateLimited = http.StatusTooManyRequests, string(res.Reason), rejectionMessage(res.Reason), true
		d.reject(w, r, ctx)
	case admission.DecisionQueueFull:
		ctx.status, ctx.code, ctx.message = http.StatusServiceUnavailable, string(res.Reason), rejectionMessage(res.Reason)
		d.reject(w, r, ctx)
	case admission.DecisionQueueTimeout:
		ctx.status, ctx.code, ctx.message = http.StatusGatewayTimeout, string(res.Reason), rejectionMessage(res.Reason)
		d.reject(w, r, ctx)
	case admission.DecisionPreempted:
		ctx.status, ctx.code, ctx.message = http.StatusServiceUnavailable, string(res.Reason), rejectionMessage(res.Reason)
		d.reject(w, r, ctx)
	default:
		ctx.status, ctx.code, ctx.message = http.StatusInternalServerError, "internal_error", "unexpected admission outcome"
		d.reject(w, r, ctx)
	}
}

func rejectionMessage(reason admission.Reason) string {
	switch reason {
	case admission.ReasonUserLimit:
		return "per-identity request rate exceeded"
	case admission.ReasonAPILimit:
		return "per-API request rate exceeded"
	case admission.ReasonSystemBusy:
		return "global request rate exceeded"
	case admission.ReasonQueueFull:
		return "wait queue is full"
	case admission.ReasonQueueTimeout:
		return "timed out waiting for a free slot"
	case admission.ReasonPreempted:
		return "evicted from the wait queue by a higher-priority request"
	default:
		return "request rejected"
	}
}

var errMissingCredential = errors.New("missing bearer credential")

func (d Deps) authenticate(r *http.Request) (*keystore.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errMissingCredential
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, errMissingCredential
	}
	presented := header[len(prefix):]

	ident, err := d.Keys.Resolve(r.Context(), presented)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNotFound):
			return nil, errors.New("key not found")
		case errors.Is(err, keystore.ErrExpired):
			return nil, errors.New("key expired")
		case errors.Is(err, keystore.ErrRevoked):
			return nil, errors.New("key revoked")
		default:
			return nil, err
		}
	}
	return ident, nil
}

// rejectCtx carries the per-request detail reject needs to both answer
// the client and record a completion entry for a request that never
// reached the proxy engine.
type rejectCtx struct {
	start       time.Time
	identityID  string
	api         string
	status      int
	code        string
	message     string
	rateLimited bool
}

func (d Deps) reject(w http.ResponseWriter, r *http.Request, ctx rejectCtx) {
	if d.Metrics != nil {
		d.Metrics.RateLimitRejects.WithLabelValues(ctx.code).Inc()
	}
	if d.Recorder != nil {
		d.Recorder.Record(recorder.Record{
			IdentityID:  ctx.identityID,
			API:         ctx.api,
			Status:      ctx.status,
			StartTime:   ctx.start,
			Duration:    time.Since(ctx.start),
			ClientAddr:  r.RemoteAddr,
			RateLimited: ctx.rateLimited,
		})
	}
	writeJSON(w, ctx.status, map[string]any{"detail": ctx.message, "code": ctx.code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// NewMetricsRouter returns the admin-port-mounted /metrics handler,
// serving the same registry the Metrics collectors were registered on.
func NewMetricsRouter(reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

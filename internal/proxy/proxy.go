// Package proxy implements the Proxy Engine: forwards an admitted
// request to the single downstream, preserving method/path/query/body
// and stripping hop-by-hop headers, then branches response handling on
// content-type between a plain unary passthrough and an SSE relay that
// emits in-band termination events.
//
// Grounded on the lineage's handler/proxy.go and handler/stream.go
// (streaming loop with an http.Flusher, per-chunk write-then-flush) and
// middleware/headers.go (header stripping on both directions), combined
// with the retrieved pool's SSE broker (the bit-exact "event: %s\ndata:
// %s\n\n" framing) — reworked from a broadcast broker into a one-to-one
// relay of a single downstream stream.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwuu/pylon/internal/admission"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/recorder"
)

// hopByHop headers are connection-specific and must never be forwarded
// in either direction.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
}

// Engine forwards admitted requests to the downstream backend.
type Engine struct {
	client *http.Client
	logger zerolog.Logger

	// Metrics is optional; when set, request/duration/SSE/downstream-error
	// collectors are updated on every Forward exit path.
	Metrics *metrics.Metrics
}

// New creates an Engine. The client has no overall timeout — timeouts
// are enforced per-request from the policy snapshot instead.
func New(logger zerolog.Logger) *Engine {
	return &Engine{client: &http.Client{}, logger: logger}
}

// Forward proxies r to snap.Downstream, recording exactly one
// completion record and releasing the held concurrency slot exactly
// once on every exit path. ctrl is used for RecordMessage on the SSE
// path and to reconcile the reserved slot kind against the downstream's
// actual content type, which can disagree with the Accept-header guess
// admission was made on.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, snap *policy.Snapshot, ctrl *admission.Controller,
	ident *keystore.Identity, ticket *admission.Ticket, rec recorder.Sink, api string) {

	start := time.Now()
	active := ticket
	defer func() {
		if active != nil {
			ctrl.Release(active)
		}
	}()

	observe := func(status int) {
		if e.Metrics == nil {
			return
		}
		statusStr := strconv.Itoa(status)
		e.Metrics.RequestsTotal.WithLabelValues(r.Method, api, statusStr).Inc()
		e.Metrics.RequestDuration.WithLabelValues(r.Method, api).Observe(time.Since(start).Seconds())
	}
	downstreamErr := func() {
		if e.Metrics != nil {
			e.Metrics.DownstreamErrors.Inc()
		}
	}

	target, err := buildTargetURL(snap.Downstream.BaseURL, r.URL)
	if err != nil {
		e.writeJSONError(w, http.StatusBadGateway, "downstream_error", "invalid downstream target")
		rec.Record(completionRecord(ticket, start, http.StatusBadGateway, r, false))
		observe(http.StatusBadGateway)
		downstreamErr()
		return
	}

	// The deadline covers connecting and receiving response headers; it
	// is disarmed once headers arrive so an SSE body isn't cut short.
	dctx, cancelDeadline := context.WithCancel(r.Context())
	deadline := time.AfterFunc(snap.Downstream.Timeout, cancelDeadline)

	outReq, err := http.NewRequestWithContext(dctx, r.Method, target.String(), r.Body)
	if err != nil {
		deadline.Stop()
		e.writeJSONError(w, http.StatusBadGateway, "downstream_error", "failed to build downstream request")
		rec.Record(completionRecord(ticket, start, http.StatusBadGateway, r, false))
		observe(http.StatusBadGateway)
		downstreamErr()
		return
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)

	resp, err := e.client.Do(outReq)
	deadline.Stop()
	if err != nil {
		e.writeJSONError(w, http.StatusBadGateway, "downstream_error", "downstream connect failed")
		rec.Record(completionRecord(ticket, start, http.StatusBadGateway, r, false))
		observe(http.StatusBadGateway)
		downstreamErr()
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	actualSSE := isSSE(resp.Header.Get("Content-Type"))
	reconciled, ok, reason := ctrl.Reconcile(snap, ident, api, active, actualSSE)
	if !ok {
		// The slot active held has already been released by Reconcile;
		// nothing left to release for this request.
		active = nil
		e.writeJSONError(w, http.StatusServiceUnavailable, string(reason), "downstream stream exceeds capacity")
		rec.Record(completionRecord(ticket, start, http.StatusServiceUnavailable, r, true))
		observe(http.StatusServiceUnavailable)
		return
	}
	active = reconciled

	if actualSSE {
		count := e.forwardSSE(w, r, resp, snap, ctrl, ident, api)
		rec.Record(Record{
			IdentityID:      active.IdentityID,
			API:             api,
			Status:          http.StatusOK,
			StartTime:       start,
			Duration:        time.Since(start),
			ClientAddr:      r.RemoteAddr,
			IsSSE:           true,
			SSEMessageCount: count,
		})
		observe(http.StatusOK)
		return
	}

	status := e.forwardUnary(w, resp)
	observe(status)
	rec.Record(completionRecord(active, start, status, r, false))
}

func buildTargetURL(base string, incoming *url.URL) (*url.URL, error) {
	target, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	target.Path = strings.TrimSuffix(target.Path, "/") + incoming.Path
	target.RawQuery = incoming.RawQuery
	return target, nil
}

func isSSE(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
}

// forwardUnary copies the downstream response straight through to the
// client, returning the status code actually sent.
func (e *Engine) forwardUnary(w http.ResponseWriter, resp *http.Response) int {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug().Err(err).Msg("proxy: client disconnected mid-response")
	}
	return resp.StatusCode
}

// pylonErrorFrame is the bit-exact in-band SSE termination format.
func pylonErrorFrame(code, message string) string {
	return fmt.Sprintf("event: pylon_error\ndata: {\"code\":\"%s\",\"message\":\"%s\"}\n\n", code, message)
}

// forwardSSE relays the downstream event stream frame by frame,
// enforcing the idle timeout and the shared rpm window for messages.
// Returns the number of messages forwarded.
func (e *Engine) forwardSSE(w http.ResponseWriter, r *http.Request, resp *http.Response, snap *policy.Snapshot,
	ctrl *admission.Controller, ident *keystore.Identity, api string) int {

	flusher, ok := w.(http.Flusher)
	if !ok {
		e.writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return 0
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reader := bufio.NewReader(resp.Body)
	type frameResult struct {
		data string
		err  error
	}
	frames := make(chan frameResult, 1)
	readNext := func() {
		go func() {
			data, err := readFrame(reader)
			frames <- frameResult{data, err}
		}()
	}
	readNext()

	idle := time.NewTimer(snap.SSE.IdleTimeout)
	defer idle.Stop()

	messageCount := 0
	for {
		select {
		case fr := <-frames:
			if !idle.Stop() {
				<-idle.C
			}
			if fr.data != "" {
				if _, werr := w.Write([]byte(fr.data)); werr != nil {
					return messageCount
				}
				flusher.Flush()
				messageCount++
				if e.Metrics != nil {
					e.Metrics.SSEMessagesTotal.Inc()
				}

				if ok, reason := ctrl.RecordMessage(snap, ident, api); !ok {
					w.Write([]byte(pylonErrorFrame("rate_limit_exceeded", string(reason))))
					flusher.Flush()
					return messageCount
				}
			}
			if fr.err != nil {
				if fr.err != io.EOF {
					w.Write([]byte(pylonErrorFrame("downstream_error", "downstream connection error")))
					flusher.Flush()
					if e.Metrics != nil {
						e.Metrics.DownstreamErrors.Inc()
					}
				}
				return messageCount
			}
			idle.Reset(snap.SSE.IdleTimeout)
			readNext()

		case <-idle.C:
			w.Write([]byte(pylonErrorFrame("idle_timeout", "no data received from downstream")))
			flusher.Flush()
			return messageCount

		case <-r.Context().Done():
			return messageCount
		}
	}
}

// readFrame reads one SSE frame (everything up to and including the
// blank line that terminates it) from r.
func readFrame(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String(), err
		}
		if line == "\n" || line == "\r\n" {
			return sb.String(), nil
		}
	}
}

func (e *Engine) writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"detail":"%s: %s"}`, code, message)
}

// Record is re-exported for callers that want to build one without
// importing the recorder package directly for the type alone.
type Record = recorder.Record

func completionRecord(ticket *admission.Ticket, start time.Time, status int, r *http.Request, rateLimited bool) Record {
	return Record{
		IdentityID:  ticket.IdentityID,
		API:         ticket.API,
		Status:      status,
		StartTime:   start,
		Duration:    time.Since(start),
		ClientAddr:  r.RemoteAddr,
		IsSSE:       false,
		RateLimited: rateLimited,
	}
}

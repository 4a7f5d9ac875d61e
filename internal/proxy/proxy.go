// Package proxy implements the reverse proxy router (spec §4.4 C4):
// listener handling, per-request route match against C3, upstream
// dial, streaming forwarding, and WebSocket pass-through. The
// non-WebSocket path adapts the teacher's net/http/httputil.ReverseProxy
// Director/ErrorHandler/ModifyResponse pattern
// (cmd/gateway/handlers_gasbank.go proxyHandler) from a static
// service-name-to-URL map to a live C3 lookup per request; the
// WebSocket path bypasses ReverseProxy entirely for an unbuffered raw
// splice, since ReverseProxy's body buffering is exactly what spec
// §4.4 forbids for upgraded connections.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/metrics"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/routetable"
)

// hopByHopHeaders are stripped before forwarding, per spec §4.4 step 5.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config holds per-request tunables (spec §6 "buffer_size" and
// per-request "timeout").
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	BufferSize     int
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    3 * time.Second,
		RequestTimeout: 30 * time.Second,
		BufferSize:     32 * 1024,
	}
}

// Proxy is the daemon's single reverse-proxy entry point across every
// configured bind address.
type Proxy struct {
	table  *routetable.Table
	global []plugin.ProxyMiddleware
	perSvc func(fqn string) []plugin.ProxyMiddleware
	skip   func(fqn string) map[string]bool
	cfg    Config
	log    *obslog.Logger
	mx     *metrics.Metrics
}

// WithMetrics attaches the Prometheus collectors the control plane's
// debug surface (C8) scrapes at /metrics; nil is a safe no-op so
// existing callers that never set it keep working.
func (p *Proxy) WithMetrics(m *metrics.Metrics) *Proxy {
	p.mx = m
	return p
}

// New builds a Proxy consulting table for routing and the given global
// middleware chain for every request.
func New(table *routetable.Table, global []plugin.ProxyMiddleware, perSvc func(fqn string) []plugin.ProxyMiddleware, skip func(fqn string) map[string]bool, cfg Config, log *obslog.Logger) *Proxy {
	return &Proxy{
		table:  table,
		global: global,
		perSvc: perSvc,
		skip:   skip,
		cfg:    cfg,
		log:    log,
	}
}

// ServeHTTP implements the per-request algorithm of spec §4.4.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := obslog.NewTraceID()
	ctx := obslog.WithTraceID(r.Context(), traceID)
	r = r.WithContext(ctx)

	if p.mx != nil {
		p.mx.ProxyRequestsInFlight.Inc()
		defer p.mx.ProxyRequestsInFlight.Dec()
	}
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	fqn := ""
	defer func() {
		if p.mx != nil {
			p.mx.ProxyRequestsTotal.WithLabelValues(fqn, fmt.Sprintf("%d", sw.status)).Inc()
			p.mx.ProxyRequestDuration.WithLabelValues(fqn).Observe(time.Since(start).Seconds())
		}
	}()

	route, chain, shortCircuited := p.runChains(sw, r)
	if shortCircuited {
		return
	}
	if route == nil {
		p.writeJSONError(sw, http.StatusNotFound, hiveerr.NoRoute(r.Host, r.URL.Path))
		return
	}
	fqn = string(route.FQN)

	addr, ok := p.table.UpstreamAddress(*route)
	if !ok {
		if p.mx != nil {
			p.mx.ProxyUpstreamErrors.WithLabelValues(fqn, "no_active_instance").Inc()
		}
		p.writeJSONError(sw, http.StatusServiceUnavailable, hiveerr.UpstreamDialFailed(string(route.FQN), nil))
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		p.splice(w, r, addr)
		return
	}

	p.forwardHTTP(sw, r, addr, *route, chain)
}

// statusWriter captures the status code written so ServeHTTP can label
// hive_proxy_requests_total without every downstream path threading it
// back explicitly.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// runChains executes the global then (if matched) per-service
// middleware chain, honoring per-service skip/disable of global
// middleware (spec §4.4 step 2). It returns the matched route (nil if
// none), the resolved per-service chain for use by ModifyResponse, and
// whether a middleware already wrote the response.
func (p *Proxy) runChains(w http.ResponseWriter, r *http.Request) (*routetable.Route, []plugin.ProxyMiddleware, bool) {
	view := toRequestView(r)

	route, matched := p.table.Lookup(r.Host, r.URL.Path)
	var svcChain []plugin.ProxyMiddleware
	var skip map[string]bool
	if matched {
		if p.perSvc != nil {
			svcChain = p.perSvc(string(route.FQN))
		}
		if p.skip != nil {
			skip = p.skip(string(route.FQN))
		}
	}

	for _, mw := range p.global {
		if skip != nil && skip[mw.Metadata().ID] {
			continue
		}
		if p.runOne(w, r.Context(), mw, view) {
			return nil, nil, true
		}
	}
	for _, mw := range svcChain {
		if p.runOne(w, r.Context(), mw, view) {
			return nil, nil, true
		}
	}

	if !matched {
		return nil, nil, false
	}
	return &route, svcChain, false
}

func (p *Proxy) runOne(w http.ResponseWriter, ctx context.Context, mw plugin.ProxyMiddleware, view *plugin.RequestView) bool {
	result, err := mw.ProcessRequest(ctx, view)
	if err != nil {
		p.writeJSONError(w, http.StatusBadGateway, err)
		return true
	}
	if !result.Continue {
		for k, v := range result.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
		return true
	}
	return false
}

func toRequestView(r *http.Request) *plugin.RequestView {
	return &plugin.RequestView{
		Method:  r.Method,
		Host:    r.Host,
		Path:    r.URL.Path,
		Headers: r.Header,
		Remote:  r.RemoteAddr,
	}
}

// forwardHTTP handles the non-WebSocket path: filtered headers,
// streamed body, streamed response (spec §4.4 step 5).
func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, addr string, route routetable.Route, chain []plugin.ProxyMiddleware) {
	target := &url.URL{Scheme: "http", Host: addr}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: p.cfg.DialTimeout}).DialContext,
	}

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		for _, h := range hopByHopHeaders {
			req.Header.Del(h)
		}
		if route.StripPrefix {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, route.Path)
			if req.URL.Path == "" || !strings.HasPrefix(req.URL.Path, "/") {
				req.URL.Path = "/" + req.URL.Path
			}
		}
		// ReverseProxy appends the client IP to X-Forwarded-For after the
		// Director runs, so any incoming value is dropped here and the
		// upstream sees the client IP alone.
		req.Header.Del("X-Forwarded-For")
		if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.Header.Set("X-Real-IP", clientIP)
		}
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Forwarded-Proto", schemeOf(r))
	}

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if p.log != nil {
			p.log.WithFQN(string(route.FQN)).WithError(err).Warn("upstream request failed")
		}
		// dial failure -> 502, per-request timeout -> 504 (spec §7 ProxyError).
		if errors.Is(err, context.DeadlineExceeded) {
			if p.mx != nil {
				p.mx.ProxyUpstreamErrors.WithLabelValues(string(route.FQN), "timeout").Inc()
			}
			p.writeJSONError(w, http.StatusGatewayTimeout, hiveerr.UpstreamTimeout(string(route.FQN)))
			return
		}
		if p.mx != nil {
			p.mx.ProxyUpstreamErrors.WithLabelValues(string(route.FQN), "dial").Inc()
		}
		p.writeJSONError(w, http.StatusBadGateway, hiveerr.UpstreamDialFailed(string(route.FQN), err))
	}

	rp.ModifyResponse = func(resp *http.Response) error {
		for _, mw := range chain {
			headers, err := mw.ProcessResponse(r.Context(), resp.StatusCode, flattenHeader(resp.Header))
			if err != nil {
				return err
			}
			for k, v := range headers {
				resp.Header.Set(k, v)
			}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestTimeout)
	defer cancel()
	rp.ServeHTTP(w, r.WithContext(ctx))
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (p *Proxy) writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := "proxy error"
	if err != nil {
		msg = err.Error()
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

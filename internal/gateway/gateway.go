// Package gateway is the agent's cache/network boundary: a local HTTP
// server that forwards requests to the ERP origin and applies a per-route
// caching strategy, so clients keep working from cache when the network is
// down. It runs independently of the sync engine and owns its own response
// store.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Gateway serves cached-or-live responses for one upstream origin.
type Gateway struct {
	upstream  *url.URL
	cache     *Cache
	apiMarker string
	precache  []string
	http      *http.Server
	client    *http.Client

	// Extra local-only handlers (the notifier hub, the status endpoint)
	// mounted under /_mercsync/.
	local *http.ServeMux
}

// Config for the gateway.
type Config struct {
	ListenAddr string
	Upstream   string
	APIMarker  string
	Precache   []string
}

// New creates a gateway over an opened cache.
func New(cfg Config, cache *Cache) (*Gateway, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", cfg.Upstream)
	}

	g := &Gateway{
		upstream:  upstream,
		cache:     cache,
		apiMarker: cfg.APIMarker,
		precache:  cfg.Precache,
		client:    &http.Client{Timeout: 30 * time.Second},
		local:     http.NewServeMux(),
	}
	g.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chain(g, recoveryMiddleware, loggingMiddleware),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return g, nil
}

// HandleLocal mounts a handler on the gateway's reserved local prefix.
func (g *Gateway) HandleLocal(pattern string, h http.Handler) {
	g.local.Handle(pattern, h)
}

// Start precaches the asset manifest, prunes stale cache generations, and
// begins serving (non-blocking). Precaching happens before serving, the
// install-then-activate order: the new generation is complete before the
// old ones disappear.
func (g *Gateway) Start() error {
	g.install()
	if n, err := g.cache.Activate(); err != nil {
		slog.Warn("prune cache generations", "err", err)
	} else if n > 0 {
		slog.Info("pruned stale cache generations", "entries", n)
	}

	ln, err := net.Listen("tcp", g.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := g.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server", "err", err)
		}
	}()
	slog.Info("gateway listening", "addr", ln.Addr().String(), "generation", g.cache.Generation())
	return nil
}

// Shutdown stops the server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.http.Shutdown(ctx)
}

// install fetches the precache manifest into the live generation,
// overwriting any existing entries. Individual failures are logged and
// skipped; an unreachable origin must not stop the gateway from serving
// what it already has.
func (g *Gateway) install() {
	for _, path := range g.precache {
		resp, err := g.fetchUpstream(&http.Request{
			Method: "GET",
			URL:    &url.URL{Path: path},
			Header: http.Header{"Cache-Control": []string{"no-cache"}},
		})
		if err != nil {
			slog.Warn("precache fetch failed", "path", path, "err", err)
			continue
		}
		if resp.Status != http.StatusOK {
			slog.Warn("precache skipped", "path", path, "status", resp.Status)
			continue
		}
		if err := g.cache.Put(cacheKey("GET", path, ""), *resp); err != nil {
			slog.Warn("precache store failed", "path", path, "err", err)
		}
	}
	slog.Info("precache complete", "manifest", len(g.precache))
}

// ServeHTTP routes a request to its caching strategy. Rules are evaluated
// in order: local agent endpoints, cross-origin pass-through, navigation,
// API, static asset.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/_mercsync/"):
		g.local.ServeHTTP(w, r)
	case r.URL.IsAbs() && r.URL.Host != g.upstream.Host:
		g.passThrough(w, r)
	case isNavigation(r) && !strings.Contains(r.URL.Path, g.apiMarker):
		g.serveNavigation(w, r)
	case strings.Contains(r.URL.Path, g.apiMarker):
		g.serveAPI(w, r)
	default:
		g.serveStatic(w, r)
	}
}

// isNavigation mirrors a browser's full-page load: a GET that asks for an
// HTML document.
func isNavigation(r *http.Request) bool {
	return r.Method == "GET" && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// fetchUpstream forwards the request to the origin and drains the response.
func (g *Gateway) fetchUpstream(r *http.Request) (*CachedResponse, error) {
	target := *r.URL
	target.Scheme = g.upstream.Scheme
	target.Host = g.upstream.Host

	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequest(r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &CachedResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
	}, nil
}

// passThrough proxies a cross-origin request without touching the cache.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)
	resp, err := g.client.Do(req)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cacheKey(method, path, query string) string {
	if query != "" {
		return method + " " + path + "?" + query
	}
	return method + " " + path
}

func writeResponse(w http.ResponseWriter, resp *CachedResponse) {
	copyHeaders(w.Header(), resp.Headers)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

package gateway

import (
	"log/slog"
	"net/http"
)

// serveNavigation is network-first with a two-step fallback: the exact
// cached document, then the cached root document. The upstream fetch
// carries a cache-bypass hint so intermediaries revalidate.
func (g *Gateway) serveNavigation(w http.ResponseWriter, r *http.Request) {
	r.Header.Set("Cache-Control", "no-cache")
	key := cacheKey("GET", r.URL.Path, r.URL.RawQuery)

	resp, err := g.fetchUpstream(r)
	if err == nil {
		if resp.Status == http.StatusOK {
			if cerr := g.cache.Put(key, *resp); cerr != nil {
				slog.Warn("cache navigation", "path", r.URL.Path, "err", cerr)
			}
		}
		writeResponse(w, resp)
		return
	}
	slog.Debug("navigation: network failed, trying cache", "path", r.URL.Path, "err", err)

	cached, cerr := g.cache.Get(key)
	if cerr == nil && cached == nil {
		cached, cerr = g.cache.Get(cacheKey("GET", "/", ""))
	}
	if cerr != nil || cached == nil {
		http.Error(w, "offline and no cached document", http.StatusServiceUnavailable)
		return
	}
	writeResponse(w, cached)
}

// serveAPI is network-first with method-aware caching: GET responses are
// cached and replayed on network failure; non-GET requests are never cached
// and fail with a synthesized JSON 503 so clients see a structured error
// instead of a dropped connection.
func (g *Gateway) serveAPI(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r.Method, r.URL.Path, r.URL.RawQuery)

	resp, err := g.fetchUpstream(r)
	if err == nil {
		if r.Method == "GET" && resp.Status == http.StatusOK {
			if cerr := g.cache.Put(key, *resp); cerr != nil {
				slog.Warn("cache api response", "path", r.URL.Path, "err", cerr)
			}
		}
		writeResponse(w, resp)
		return
	}

	if r.Method == "GET" {
		cached, cerr := g.cache.Get(key)
		if cerr == nil && cached != nil {
			slog.Debug("api: served from cache", "path", r.URL.Path)
			writeResponse(w, cached)
			return
		}
	}

	slog.Warn("api: network failed, no cache", "method", r.Method, "path", r.URL.Path, "err", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error": "Network request failed"}`))
}

// serveStatic is cache-first: a hit is served without touching the network;
// a miss is fetched and cached only when the origin answered 200.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := cacheKey("GET", r.URL.Path, r.URL.RawQuery)

	if r.Method == "GET" {
		cached, err := g.cache.Get(key)
		if err != nil {
			slog.Warn("static cache read", "path", r.URL.Path, "err", err)
		}
		if cached != nil {
			writeResponse(w, cached)
			return
		}
	}

	resp, err := g.fetchUpstream(r)
	if err != nil {
		http.Error(w, "offline and not cached", http.StatusServiceUnavailable)
		return
	}
	if r.Method == "GET" && resp.Status == http.StatusOK {
		if cerr := g.cache.Put(key, *resp); cerr != nil {
			slog.Warn("cache static asset", "path", r.URL.Path, "err", cerr)
		}
	}
	writeResponse(w, resp)
}

// Package proxy forwards API requests to backend targets according to the
// dev server's proxy table.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rathix/devserver/internal/config"
)

type rewrite struct {
	re          *regexp.Regexp
	replacement string
}

// route is one compiled proxy table entry.
type route struct {
	context  string
	patterns []string
	target   *url.URL
	ws       bool
	proxy    *httputil.ReverseProxy
}

// match is a single pattern pointing at its route, used for ordering.
type match struct {
	pattern string
	route   *route
}

// Table routes requests to reverse proxies by path. Requests no entry claims
// are passed to the next handler.
type Table struct {
	matches []match
	next    http.Handler
	logger  *slog.Logger
}

// NewTable compiles the proxy table. next receives requests no entry matches
// and may be nil, in which case those requests get a 404.
func NewTable(entries map[string]config.ProxyOptions, next http.Handler, logger *slog.Logger) (*Table, error) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	t := &Table{next: next, logger: logger}

	for ctx, opts := range entries {
		r, err := newRoute(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		for _, p := range r.patterns {
			t.matches = append(t.matches, match{pattern: p, route: r})
		}
	}

	// Longest pattern first so "/api/v2" beats "/api". Ties break on the
	// pattern text to keep ordering deterministic.
	sort.Slice(t.matches, func(i, j int) bool {
		a, b := t.matches[i].pattern, t.matches[j].pattern
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return t, nil
}

func newRoute(ctx string, opts config.ProxyOptions, logger *slog.Logger) (*route, error) {
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: parse target: %w", ctx, err)
	}
	switch target.Scheme {
	case "ws":
		target.Scheme = "http"
	case "wss":
		target.Scheme = "https"
	}

	keys := make([]string, 0, len(opts.PathRewrite))
	for k := range opts.PathRewrite {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rewrites := make([]rewrite, 0, len(keys))
	for _, k := range keys {
		re, err := regexp.Compile(k)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: pathRewrite %q: %w", ctx, k, err)
		}
		rewrites = append(rewrites, rewrite{re: re, replacement: opts.PathRewrite[k]})
	}

	patterns := opts.Filter
	if len(patterns) == 0 {
		patterns = []string{ctx}
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	headers := opts.Headers
	changeOrigin := opts.ChangeOrigin
	rp.Director = func(req *http.Request) {
		if len(rewrites) > 0 {
			p := req.URL.Path
			for _, rw := range rewrites {
				p = rw.re.ReplaceAllString(p, rw.replacement)
			}
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			req.URL.Path = p
			req.URL.RawPath = ""
		}
		baseDirector(req)
		if changeOrigin {
			req.Host = target.Host
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			// Client disconnected; nothing to do.
			return
		}
		logger.Error("proxy error", "context", ctx, "target", target.String(), "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	return &route{
		context:  ctx,
		patterns: patterns,
		target:   target,
		ws:       opts.WebSocketsEnabled(),
		proxy:    rp,
	}, nil
}

func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := t.lookup(r.URL.Path)
	if rt == nil {
		t.next.ServeHTTP(w, r)
		return
	}
	if isUpgrade(r) && !rt.ws {
		http.Error(w, "websocket proxying disabled for "+rt.context, http.StatusBadRequest)
		return
	}
	t.logger.Debug("proxying request", "context", rt.context, "target", rt.target.String(), "method", r.Method, "path", r.URL.Path)
	rt.proxy.ServeHTTP(w, r)
}

// Contexts returns the configured contexts in match order, without duplicates.
func (t *Table) Contexts() []string {
	seen := make(map[string]struct{}, len(t.matches))
	out := make([]string, 0, len(t.matches))
	for _, m := range t.matches {
		if _, ok := seen[m.route.context]; ok {
			continue
		}
		seen[m.route.context] = struct{}{}
		out = append(out, m.route.context)
	}
	return out
}

// Target returns the backend URL for a configured context, or "" if unknown.
func (t *Table) Target(context string) string {
	for _, m := range t.matches {
		if m.route.context == context {
			return m.route.target.String()
		}
	}
	return ""
}

func (t *Table) lookup(urlPath string) *route {
	for _, m := range t.matches {
		if Match(m.pattern, urlPath) {
			return m.route
		}
	}
	return nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

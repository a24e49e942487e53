// Package router resolves a request path to a route within one site,
// built on matcher.CompositeMatcher with '/' as the segment separator.
// Unlike domain resolution, path matching needs the byte offset where
// the match ended so middleware can strip a matched prefix before
// handing the remainder to a downstream handler or file server.
package router

import (
	"context"
	"net/http"

	"github.com/fenwickproxy/fenwick/app/matcher"
)

// Route is what a path match resolves to: whatever the caller's
// dispatch layer needs (an upstream target, a static asset root, ...).
type Route = matcher.Slot

type ctxKey int

const matchEndKey ctxKey = iota

// Router resolves request paths within one site to a Route.
type Router struct {
	exact  *matcher.ExactMatcher
	prefix *matcher.PrefixMatcher
	regex  *matcher.RegexMatcher
	def    Route
	hasDef bool
}

// Opts configures a Router's stages. Any nil/empty field is skipped.
type Opts struct {
	Exact   map[string]Route
	Prefix  []matcher.FixedEntry
	Regex   []matcher.FixedEntry
	Default Route
	HasDefault bool
}

// New builds a Router from route declarations.
func New(opts Opts) (*Router, error) {
	r := &Router{def: opts.Default, hasDef: opts.HasDefault}

	if len(opts.Exact) > 0 {
		entries := make(map[string]matcher.Slot, len(opts.Exact))
		for k, v := range opts.Exact {
			entries[k] = v
		}
		r.exact = matcher.NewExactMatcher(entries)
	}
	if len(opts.Prefix) > 0 {
		pm, err := matcher.NewPrefixMatcher(opts.Prefix, '/')
		if err != nil {
			return nil, err
		}
		r.prefix = pm
	}
	if len(opts.Regex) > 0 {
		rm, err := matcher.NewRegexMatcher(opts.Regex)
		if err != nil {
			return nil, err
		}
		r.regex = rm
	}
	return r, nil
}

// Match implements matcher.Matcher, ignoring the prefix match-end offset.
func (r *Router) Match(path string) (Route, bool) {
	route, _, ok := r.MatchEnd(path)
	return route, ok
}

// MatchEnd resolves path and, when the prefix stage produced the
// match, the byte offset within path where the matched key ends. For
// exact, regex, or default matches the offset equals len(path) (the
// whole path was consumed).
func (r *Router) MatchEnd(path string) (Route, int, bool) {
	if r.exact != nil {
		if v, ok := r.exact.Match(path); ok {
			return v, len(path), true
		}
	}
	if r.prefix != nil {
		if v, end, ok := r.prefix.MatchEnd(path); ok {
			return v, end, true
		}
	}
	if r.regex != nil {
		if v, ok := r.regex.Match(path); ok {
			return v, len(path), true
		}
	}
	if r.hasDef {
		return r.def, len(path), true
	}
	return nil, 0, false
}

// WithMatchEnd stores the matched prefix's end offset on ctx, for
// downstream handlers (e.g. a file server) that need to strip it.
func WithMatchEnd(ctx context.Context, end int) context.Context {
	return context.WithValue(ctx, matchEndKey, end)
}

// MatchEndFromContext retrieves the offset stored by WithMatchEnd.
func MatchEndFromContext(ctx context.Context) (int, bool) {
	end, ok := ctx.Value(matchEndKey).(int)
	return end, ok
}

// Middleware resolves the request path against r and stashes both the
// matched Route and its match-end offset on the request context,
// mirroring the "set matched routes to context" step of a reverse
// proxy's handler chain.
func (r *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route, end, ok := r.MatchEnd(req.URL.Path)
		if !ok {
			next.ServeHTTP(w, req)
			return
		}
		ctx := WithMatchEnd(req.Context(), end)
		ctx = context.WithValue(ctx, routeKey, route)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

const routeKey ctxKey = matchEndKey + 1

// RouteFromContext retrieves the Route stashed by Router.Middleware.
func RouteFromContext(ctx context.Context) (Route, bool) {
	v := ctx.Value(routeKey)
	return v, v != nil
}

// Package dispatch glues the listener-table and domain resolution in
// app/vhost to the path router in app/router, turning one inbound
// connection's identity (local address, port, protocol, and the
// hostname offered over SNI or the Host header) into a resolved Route
// ready for a handler to act on. It mirrors the matchHandler step of a
// classic reverse-proxy middleware chain, generalized to the two-stage
// domain-then-path resolution this server performs.
package dispatch

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/fenwickproxy/fenwick/app/router"
	"github.com/fenwickproxy/fenwick/app/vhost"
)

// Conn describes the connection identity a dispatcher resolves against.
type Conn struct {
	LocalAddr netip.Addr
	Port      uint16
	Protocol  vhost.Protocol
	Host      string // SNI hostname for TLS, Host header for plain HTTP
}

type ctxKey int

const resultKey ctxKey = iota

// Result is what one dispatch resolves to: the site that matched, and
// the route within it.
type Result struct {
	Site  vhost.SiteConfig
	Route router.Route
	// RouteEnd is the byte offset within the request path where the
	// route's matched prefix ends (equals len(path) for non-prefix matches).
	RouteEnd int
}

// Dispatcher resolves inbound connections against a ServerConfig.
type Dispatcher struct {
	servers *vhost.ServerConfig
}

// New builds a Dispatcher over servers. Dispatcher keeps no state of its
// own beyond the servers pointer.
func New(servers *vhost.ServerConfig) *Dispatcher {
	return &Dispatcher{servers: servers}
}

// Resolve resolves one connection + request path down to a Result.
// It is the in-process equivalent of matchHandler: listener lookup
// (specific address, falling back to any-address), domain resolution,
// then path routing within the resolved site.
func (d *Dispatcher) Resolve(conn Conn, path string) (Result, bool) {
	domains, ok := d.servers.ResolveSpecificWithFallback(conn.LocalAddr, conn.Port, conn.Protocol)
	if !ok {
		log.Printf("[WARN] no listener for %s:%d/%s", conn.LocalAddr, conn.Port, conn.Protocol)
		return Result{}, false
	}

	site, ok := domains.Resolve(conn.Host)
	if !ok {
		log.Printf("[WARN] no site matched for host %q", conn.Host)
		return Result{}, false
	}

	if site.Routes == nil {
		return Result{Site: site, Route: nil, RouteEnd: len(path)}, true
	}

	type endMatcher interface {
		MatchEnd(input string) (router.Route, int, bool)
	}
	if em, ok := site.Routes.(endMatcher); ok {
		route, end, ok := em.MatchEnd(path)
		if !ok {
			log.Printf("[WARN] no route matched for %s%s", conn.Host, path)
			return Result{}, false
		}
		return Result{Site: site, Route: route, RouteEnd: end}, true
	}

	route, ok := site.Routes.Match(path)
	if !ok {
		log.Printf("[WARN] no route matched for %s%s", conn.Host, path)
		return Result{}, false
	}
	return Result{Site: site, Route: route, RouteEnd: len(path)}, true
}

// WithResult stores a dispatch Result on ctx for downstream handlers.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, resultKey, res)
}

// ResultFromContext retrieves the Result stashed by WithResult.
func ResultFromContext(ctx context.Context) (Result, bool) {
	v, ok := ctx.Value(resultKey).(Result)
	return v, ok
}

// ConnFromRequest builds a Conn from an *http.Request. The host is taken
// from r.Host (port stripped, lowercased, trailing dot removed); the
// local address, port and protocol are used as passed. It does not read
// an SNI hostname from the request or its context.
func ConnFromRequest(r *http.Request, localAddr netip.Addr, port uint16, proto vhost.Protocol) Conn {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return Conn{LocalAddr: localAddr, Port: port, Protocol: proto, Host: host}
}

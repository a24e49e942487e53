// Package vhost resolves an inbound connection's listener identity
// (address, port, protocol) and SNI/Host header down to the SiteConfig
// that should serve it. Resolution happens in two stages: a listener
// table keyed on address/port/protocol (falling back from a specific
// bound address to the any-address wildcard), then a per-listener
// domain resolver chaining exact, suffix, and regex matching ahead of
// a default site.
package vhost

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fenwickproxy/fenwick/app/matcher"
)

// Protocol identifies the wire protocol a listener was bound for.
type Protocol uint8

const (
	ProtocolHTTP Protocol = iota
	ProtocolTLS
)

func (p Protocol) String() string {
	if p == ProtocolTLS {
		return "tls"
	}
	return "http"
}

// ListenerKey identifies one bound listener: either a specific IP
// address, or the any-address wildcard, paired with a port and protocol.
type ListenerKey struct {
	Any      bool
	IP       netip.Addr
	Port     uint16
	Protocol Protocol
}

// AnyHostKey builds a wildcard-address ListenerKey.
func AnyHostKey(port uint16, proto Protocol) ListenerKey {
	return ListenerKey{Any: true, Port: port, Protocol: proto}
}

// SpecificKey builds a ListenerKey bound to a specific IP address.
func SpecificKey(ip netip.Addr, port uint16, proto Protocol) ListenerKey {
	return ListenerKey{IP: ip, Port: port, Protocol: proto}
}

func (k ListenerKey) String() string {
	if k.Any {
		return fmt.Sprintf("*:%d/%s", k.Port, k.Protocol)
	}
	return fmt.Sprintf("%s:%d/%s", k.IP, k.Port, k.Protocol)
}

// SiteConfig is what a fully resolved domain match yields: the handle
// a dispatcher needs to route a request once its site is known.
type SiteConfig struct {
	Name string
	// Routes is the path-level matcher for this site (app/router builds
	// these; kept as matcher.Matcher here to avoid an import cycle).
	Routes matcher.Matcher
}

// ServerConfig is the top-level, immutable listener table: ListenerKey
// -> DomainResolvedConfigs, built once by NewServerConfig. Nothing in
// this repository rebuilds or swaps it after that; reads never block.
type ServerConfig struct {
	services *xsync.Map[ListenerKey, *DomainResolvedConfigs]
}

// NewServerConfig builds a ServerConfig from a fully assembled listener table.
func NewServerConfig(services map[ListenerKey]*DomainResolvedConfigs) *ServerConfig {
	m := xsync.NewMap[ListenerKey, *DomainResolvedConfigs]()
	for k, v := range services {
		m.Store(k, v)
	}
	return &ServerConfig{services: m}
}

// ResolveUnspecific looks up the any-address listener for port/proto.
func (s *ServerConfig) ResolveUnspecific(port uint16, proto Protocol) (*DomainResolvedConfigs, bool) {
	return s.services.Load(AnyHostKey(port, proto))
}

// ResolveSpecific looks up the listener bound to exactly ip:port/proto.
func (s *ServerConfig) ResolveSpecific(ip netip.Addr, port uint16, proto Protocol) (*DomainResolvedConfigs, bool) {
	return s.services.Load(SpecificKey(ip, port, proto))
}

// ResolveSpecificWithFallback tries the specific address first, then
// falls back to the any-address listener for the same port/protocol.
// This is the resolution path dispatch.Dispatcher.Resolve uses.
func (s *ServerConfig) ResolveSpecificWithFallback(ip netip.Addr, port uint16, proto Protocol) (*DomainResolvedConfigs, bool) {
	if cfg, ok := s.ResolveSpecific(ip, port, proto); ok {
		return cfg, true
	}
	return s.ResolveUnspecific(port, proto)
}

// DomainResolvedConfigs resolves a domain name (SNI hostname or Host
// header; Resolve normalizes case and a trailing dot) to a SiteConfig
// for one listener. It
// chains exact match, longest-suffix match, first-match regex, then a
// default site.
type DomainResolvedConfigs struct {
	composite   *matcher.CompositeMatcher
	regexCache  otter.Cache[string, matcher.Slot]
	hasRegexCache bool
}

// DomainResolvedConfigsOpts configures one listener's domain resolver.
type DomainResolvedConfigsOpts struct {
	Exact   map[string]SiteConfig
	Suffix  []matcher.FixedEntry // key: domain suffix like "example.com"
	Regex   []matcher.FixedEntry
	Default *SiteConfig
}

// NewDomainResolvedConfigs builds a DomainResolvedConfigs from per-listener
// site declarations. When a regex stage is configured, a bounded cache
// (4096 entries) in front of the whole chain memoizes every host that
// resolved, whichever stage answered it; hosts that resolve to nothing
// are not cached.
func NewDomainResolvedConfigs(opts DomainResolvedConfigsOpts) (*DomainResolvedConfigs, error) {
	var exact *matcher.ExactMatcher
	if len(opts.Exact) > 0 {
		entries := make(map[string]matcher.Slot, len(opts.Exact))
		for k, v := range opts.Exact {
			entries[k] = v
		}
		exact = matcher.NewExactMatcher(entries)
	}

	var fixed matcher.Matcher
	if len(opts.Suffix) > 0 {
		sm, err := matcher.NewSuffixMatcher(opts.Suffix, '.')
		if err != nil {
			return nil, err
		}
		fixed = sm
	}

	var regex *matcher.RegexMatcher
	if len(opts.Regex) > 0 {
		rm, err := matcher.NewRegexMatcher(opts.Regex)
		if err != nil {
			return nil, err
		}
		regex = rm
	}

	var def matcher.Slot
	hasDef := opts.Default != nil
	if hasDef {
		def = *opts.Default
	}

	composite := matcher.NewCompositeMatcher(matcher.CompositeOpts{
		Exact:      exact,
		Fixed:      fixed,
		Regex:      regex,
		Default:    def,
		HasDefault: hasDef,
	})

	d := &DomainResolvedConfigs{composite: composite}
	if regex != nil {
		cache, err := otter.MustBuilder[string, matcher.Slot](4096).Build()
		if err != nil {
			return nil, fmt.Errorf("vhost: building regex resolution cache: %w", err)
		}
		d.regexCache = cache
		d.hasRegexCache = true
	}
	return d, nil
}

// Resolve looks up domain, returning its SiteConfig if any stage
// matched. domain is normalized (lowercased, trailing dot stripped)
// before matching so e.g. "WWW.Example.com." resolves the same as
// "www.example.com"; callers may pass either form.
func (d *DomainResolvedConfigs) Resolve(domain string) (SiteConfig, bool) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if d.hasRegexCache {
		if v, ok := d.regexCache.Get(domain); ok {
			site, ok := v.(SiteConfig)
			return site, ok
		}
	}
	v, ok := d.composite.Match(domain)
	if !ok {
		return SiteConfig{}, false
	}
	site, ok := v.(SiteConfig)
	if ok && d.hasRegexCache {
		d.regexCache.Set(domain, v)
	}
	return site, ok
}

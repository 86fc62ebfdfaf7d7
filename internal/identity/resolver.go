// Package identity resolves the canonical client IP of an HTTP request.
package identity

import (
	"net"
	"net/http"
	"strings"
)

const (
	// DefaultForwardedHeader carries the proxy chain, original client first.
	DefaultForwardedHeader = "X-Forwarded-For"

	// RealIPHeader is consulted when the forwarded header is absent.
	RealIPHeader = "X-Real-IP"
)

// Config controls which forwarding headers are believed.
type Config struct {
	// Header is the forwarded-for style header to read. Defaults to X-Forwarded-For.
	Header string `yaml:"header"`

	// TrustedProxies lists proxy IPs and CIDR ranges. When empty the forwarded
	// header is trusted from any peer. When set, the header is honoured only if
	// the direct peer address is one of these.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// IgnoreForwarded disables header parsing entirely; the peer address is always used.
	IgnoreForwarded bool `yaml:"ignore_forwarded"`
}

// Resolver extracts the client IP from requests. It is safe for concurrent use.
type Resolver struct {
	header          string
	ignoreForwarded bool
	trustedNets     []*net.IPNet
	trustedIPs      []net.IP
}

// NewResolver creates a resolver from cfg. Unparseable proxy entries are skipped.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		header:          cfg.Header,
		ignoreForwarded: cfg.IgnoreForwarded,
	}
	if r.header == "" {
		r.header = DefaultForwardedHeader
	}

	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				r.trustedNets = append(r.trustedNets, network)
			}
			continue
		}

		if ip := net.ParseIP(entry); ip != nil {
			r.trustedIPs = append(r.trustedIPs, ip)
		}
	}

	return r
}

// HasTrustedProxies reports whether header trust is gated by a proxy allowlist.
func (r *Resolver) HasTrustedProxies() bool {
	return len(r.trustedNets) > 0 || len(r.trustedIPs) > 0
}

// IsTrusted reports whether addr (with or without port) is a configured proxy.
func (r *Resolver) IsTrusted(addr string) bool {
	ip := parseHostIP(addr)
	if ip == nil {
		return false
	}

	for _, trusted := range r.trustedIPs {
		if trusted.Equal(ip) {
			return true
		}
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the canonical client IP for req, or "" if none can be determined.
//
// The first token of the forwarded header wins when the header is trusted.
// Otherwise X-Real-IP is tried, then the transport peer address. Invalid
// header values fall through to the next source.
func (r *Resolver) Resolve(req *http.Request) string {
	peer := NormalizeIP(req.RemoteAddr)

	if r.ignoreForwarded || (r.HasTrustedProxies() && !r.IsTrusted(req.RemoteAddr)) {
		return peer
	}

	if xff := req.Header.Get(r.header); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := NormalizeIP(first); ip != "" {
			return ip
		}
	}

	if xri := req.Header.Get(RealIPHeader); xri != "" {
		if ip := NormalizeIP(xri); ip != "" {
			return ip
		}
	}

	return peer
}

// NormalizeIP parses s as an IP, optionally with a port or IPv6 brackets, and
// returns its canonical textual form. It returns "" if s is not an IP.
func NormalizeIP(s string) string {
	ip := parseHostIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ExtractIP returns the canonical IP of a listener or connection address,
// or "" when addr carries no IP (unix sockets, nil).
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return NormalizeIP(addr.String())
}

func parseHostIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	// Drop an IPv6 zone; it is meaningless as an identity.
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return net.ParseIP(s)
}

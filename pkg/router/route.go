package router

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrEmptyPrefix is returned for a rule without a path prefix
	ErrEmptyPrefix = errors.New("route prefix must not be empty")
	// ErrInvalidTarget is returned when a rule target is not an absolute http(s)/ws(s) origin
	ErrInvalidTarget = errors.New("invalid route target")
)

// HeaderRules holds header templates applied to forwarded traffic, keyed by header name
type HeaderRules struct {
	Request  map[string]string
	Response map[string]string
}

// Rule forwards every path beginning with Prefix to Target
type Rule struct {
	Prefix string
	Target *url.URL

	// RewriteOrigin sets the outbound Host header to the target authority
	RewriteOrigin bool
	// Upgrade bridges protocol-upgrade requests (WebSocket) to the target
	Upgrade bool
	// StripPrefix removes Prefix from the path before forwarding
	StripPrefix bool

	Headers HeaderRules
}

// RuleOption customizes a rule built by NewRule
type RuleOption func(*Rule)

// WithStripPrefix enables prefix stripping
func WithStripPrefix() RuleOption {
	return func(r *Rule) { r.StripPrefix = true }
}

// WithHeaders attaches request and response header templates
func WithHeaders(h HeaderRules) RuleOption {
	return func(r *Rule) { r.Headers = h }
}

// NewRule validates and builds a rule
func NewRule(prefix, target string, rewriteOrigin, upgrade bool, opts ...RuleOption) (*Rule, error) {
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTarget, target, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidTarget, target, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
	}

	r := &Rule{
		Prefix:        prefix,
		Target:        u,
		RewriteOrigin: rewriteOrigin,
		Upgrade:       upgrade,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Matches reports whether path begins with the rule prefix
func (r *Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.Prefix)
}

// Secure reports whether the target speaks TLS
func (r *Rule) Secure() bool {
	return r.Target.Scheme == "https" || r.Target.Scheme == "wss"
}

// HTTPScheme maps ws/wss targets onto the scheme used for the handshake request
func (r *Rule) HTTPScheme() string {
	if r.Secure() {
		return "https"
	}
	return "http"
}

// DialAddress returns host:port of the target, filling in the scheme default port
func (r *Rule) DialAddress() string {
	if r.Target.Port() != "" {
		return r.Target.Host
	}
	port := "80"
	if r.Secure() {
		port = "443"
	}
	return net.JoinHostPort(r.Target.Hostname(), port)
}

// ForwardPath computes the upstream path for an inbound path
func (r *Rule) ForwardPath(path string) string {
	if r.StripPrefix {
		path = strings.TrimPrefix(path, r.Prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	if base := strings.TrimSuffix(r.Target.Path, "/"); base != "" {
		path = base + path
	}
	return path
}

func (r *Rule) String() string {
	var flags []string
	if r.RewriteOrigin {
		flags = append(flags, "rewrite-origin")
	}
	if r.Upgrade {
		flags = append(flags, "upgrade")
	}
	if r.StripPrefix {
		flags = append(flags, "strip-prefix")
	}
	s := fmt.Sprintf("%s -> %s", r.Prefix, r.Target)
	if len(flags) > 0 {
		s += " [" + strings.Join(flags, ",") + "]"
	}
	return s
}

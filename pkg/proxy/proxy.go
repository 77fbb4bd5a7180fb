package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"

	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/metrics"
	"github.com/devproxy/pkg/router"
)

// Options configures a Proxy
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Collector
	// Headers renders per-rule header templates; nil disables header rewriting
	Headers *HeaderRewriter
	// TLSConfig is used for https:// and wss:// targets
	TLSConfig *tls.Config
	// Dialer opens backend connections; it should not carry a timeout of its
	// own, bounded waits come from the context passed to Forward
	Dialer *net.Dialer
}

// Proxy forwards matched requests to their rule's target. Plain requests go
// through an httputil.ReverseProxy; upgrade requests are bridged byte for byte.
type Proxy struct {
	logger    *logger.Logger
	metrics   *metrics.Collector
	headers   *HeaderRewriter
	tlsConfig *tls.Config
	dialer    *net.Dialer
	transport *http.Transport
	errorLog  *log.Logger
}

// New creates a proxy. Each forward opens a fresh backend connection.
func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = logger.New("proxy", logger.LevelInfo)
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Headers == nil {
		opts.Headers = NewHeaderRewriter(NewTemplateManager(opts.Logger), opts.Logger)
	}

	p := &Proxy{
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		headers:   opts.Headers,
		tlsConfig: opts.TLSConfig,
		dialer:    opts.Dialer,
		errorLog:  logger.NewStdLogger(opts.Logger, logger.LevelDebug),
	}
	p.transport = &http.Transport{
		DialContext:       p.dialer.DialContext,
		TLSClientConfig:   p.upstreamTLSConfig(""),
		DisableKeepAlives: true,
	}
	return p
}

// Forward sends r to rule's target and streams the result back through w.
// A nil rule yields ErrNoRouteMatch without touching the network.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, rule *router.Rule) error {
	if rule == nil {
		return ErrNoRouteMatch
	}
	conn := NewConnection(r, p.logger)
	conn.matched(rule)
	return p.forward(ctx, conn, w, r, rule)
}

func (p *Proxy) forward(ctx context.Context, conn *Connection, w http.ResponseWriter, r *http.Request, rule *router.Rule) (err error) {
	kind := metrics.KindHTTP
	if rule.Upgrade && conn.Upgrade {
		kind = metrics.KindUpgrade
	}

	conn.forwarding()
	defer func() {
		if v := recover(); v != nil {
			// ReverseProxy aborts with http.ErrAbortHandler when the body copy fails
			conn.close(fmt.Errorf("aborted: %v", v))
			p.metrics.RecordForward(rule.Prefix, kind, metrics.OutcomeError, conn.Elapsed())
			panic(v)
		}
		conn.close(err)
		p.metrics.RecordForward(rule.Prefix, kind, outcome(err), conn.Elapsed())
	}()

	if kind == metrics.KindUpgrade {
		return p.forwardUpgrade(ctx, conn, w, r, rule)
	}
	return p.forwardHTTP(ctx, conn, w, r, rule)
}

func (p *Proxy) forwardHTTP(ctx context.Context, conn *Connection, w http.ResponseWriter, r *http.Request, rule *router.Rule) error {
	log := conn.Logger()
	data := newHeaderData(conn, r, rule)

	var proxyErr, headerErr error
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			originalURL := req.URL.String()

			req.URL.Scheme = rule.HTTPScheme()
			req.URL.Host = rule.Target.Host
			req.URL.Path = rule.ForwardPath(req.URL.Path)
			req.URL.RawPath = ""
			if rule.RewriteOrigin {
				req.Host = rule.Target.Host
			}

			// plain forwarding never switches protocols
			req.Header.Del("Upgrade")

			if err := p.headers.ApplyRequest(rule, req.Header, data); err != nil {
				log.Error("Failed to render request headers: %v", err)
			}

			log.Debug("Forwarding %s %s -> %s (Host: %s)", req.Method, originalURL, req.URL, req.Host)
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			data.Status = resp.StatusCode
			if err := p.headers.ApplyResponse(rule, resp.Header, data); err != nil {
				headerErr = err
				return err
			}
			log.Debug("Got response: %s", resp.Status)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			proxyErr = err
			log.Debug("Proxy error: %v", err)
			http.Error(w, fmt.Sprintf("Proxy Error: %v", err), http.StatusBadGateway)
		},
		ErrorLog: p.errorLog,
	}

	rp.ServeHTTP(w, r.WithContext(ctx))

	switch {
	case proxyErr == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("forward to %s: %w", rule.Target, ctx.Err())
	case headerErr != nil:
		return fmt.Errorf("rewrite response headers: %w", headerErr)
	default:
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, rule.Target, proxyErr)
	}
}

// dialBackend opens a fresh connection to the rule target, over TLS for https/wss
func (p *Proxy) dialBackend(ctx context.Context, rule *router.Rule) (net.Conn, error) {
	addr := rule.DialAddress()
	if rule.Secure() {
		d := &tls.Dialer{
			NetDialer: p.dialer,
			Config:    p.upstreamTLSConfig(rule.Target.Hostname()),
		}
		return d.DialContext(ctx, "tcp", addr)
	}
	return p.dialer.DialContext(ctx, "tcp", addr)
}

func (p *Proxy) upstreamTLSConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if p.tlsConfig != nil {
		cfg = p.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

// relayErr drops the errors expected when one side of a bridge shuts the other down
func relayErr(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

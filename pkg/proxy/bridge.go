package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devproxy/pkg/metrics"
	"github.com/devproxy/pkg/router"
)

// forwardUpgrade replays the client's upgrade handshake against a fresh
// backend connection. Once the backend switches protocols, the client socket
// is hijacked and both sockets are bridged until either side closes.
func (p *Proxy) forwardUpgrade(ctx context.Context, conn *Connection, w http.ResponseWriter, r *http.Request, rule *router.Rule) error {
	log := conn.Logger()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "protocol upgrade not supported", http.StatusInternalServerError)
		return ErrNotHijackable
	}

	backend, err := p.dialBackend(ctx, rule)
	if err != nil {
		log.Debug("Failed to connect to upstream %s: %v", rule.DialAddress(), err)
		http.Error(w, fmt.Sprintf("Proxy Error: %v", err), http.StatusBadGateway)
		if ctx.Err() != nil {
			return fmt.Errorf("dial %s: %w", rule.DialAddress(), ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, rule.DialAddress(), err)
	}

	// the handshake has no deadline of its own; cancellation closes the socket
	stopHandshake := context.AfterFunc(ctx, func() { backend.Close() })

	data := newHeaderData(conn, r, rule)
	out := p.handshakeRequest(ctx, r, rule, data)
	log.Debug("Upgrading %s -> %s://%s%s (Host: %s)", r.URL.Path, rule.Target.Scheme, rule.DialAddress(), out.URL.RequestURI(), out.Host)

	if err := out.Write(backend); err != nil {
		stopHandshake()
		backend.Close()
		http.Error(w, "Proxy Error: upstream handshake failed", http.StatusBadGateway)
		return fmt.Errorf("%w: writing handshake: %v", ErrUpgradeHandshake, err)
	}

	backendReader := bufio.NewReader(backend)
	resp, err := http.ReadResponse(backendReader, out)
	if !stopHandshake() && ctx.Err() != nil {
		backend.Close()
		return fmt.Errorf("upgrade %s: %w", rule.Target, ctx.Err())
	}
	if err != nil {
		backend.Close()
		http.Error(w, "Proxy Error: upstream handshake failed", http.StatusBadGateway)
		return fmt.Errorf("%w: reading handshake response: %v", ErrUpgradeHandshake, err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer backend.Close()
		defer resp.Body.Close()
		p.relayRejection(w, resp)
		return fmt.Errorf("%w: upstream answered %s", ErrUpgradeHandshake, resp.Status)
	}

	data.Status = resp.StatusCode
	if err := p.headers.ApplyResponse(rule, resp.Header, data); err != nil {
		log.Error("Failed to render response headers: %v", err)
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		return fmt.Errorf("hijack client connection: %w", err)
	}

	if err := writeResponseHead(clientBuf.Writer, resp); err != nil {
		clientConn.Close()
		backend.Close()
		return fmt.Errorf("relay handshake response: %w", err)
	}

	log.Info("Upgraded connection %s -> %s", r.URL.Path, rule.Target)
	return p.bridge(ctx, conn, rule, clientConn, clientBuf.Reader, backend, backendReader)
}

// handshakeRequest builds the outbound copy of the client's upgrade request
func (p *Proxy) handshakeRequest(ctx context.Context, r *http.Request, rule *router.Rule, data *HeaderData) *http.Request {
	out := r.Clone(ctx)
	out.URL.Scheme = rule.HTTPScheme()
	out.URL.Host = rule.Target.Host
	out.URL.Path = rule.ForwardPath(r.URL.Path)
	out.URL.RawPath = ""
	out.RequestURI = ""
	out.Body = nil
	out.ContentLength = 0
	if rule.RewriteOrigin {
		out.Host = rule.Target.Host
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = prior[len(prior)-1] + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if err := p.headers.ApplyRequest(rule, out.Header, data); err != nil {
		p.logger.Error("Failed to render request headers: %v", err)
	}
	return out
}

// relayRejection passes a non-101 handshake answer to the client and asks it to close
func (p *Proxy) relayRejection(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("Connection", "close")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Failed to relay rejected handshake body: %v", err)
	}
}

// writeResponseHead writes the status line and headers of resp without a body
func writeResponseHead(w *bufio.Writer, resp *http.Response) error {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// bridge copies bytes in both directions until either side closes or ctx is
// done, then closes both sockets. Readers carry any bytes buffered during the
// handshake.
func (p *Proxy) bridge(ctx context.Context, conn *Connection, rule *router.Rule, client net.Conn, clientReader io.Reader, backend net.Conn, backendReader io.Reader) error {
	log := conn.Logger()
	p.metrics.UpgradeOpened(rule.Prefix)
	defer p.metrics.UpgradeClosed(rule.Prefix)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			backend.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var upstream, downstream int64
	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(backend, clientReader)
		upstream = n
		log.Debug("Client->Upstream copy finished after %d bytes: %v", n, err)
		closeBoth()
		return relayErr(err)
	})
	g.Go(func() error {
		n, err := io.Copy(client, backendReader)
		downstream = n
		log.Debug("Upstream->Client copy finished after %d bytes: %v", n, err)
		closeBoth()
		return relayErr(err)
	})

	err := g.Wait()
	p.metrics.AddRelayedBytes(rule.Prefix, metrics.DirectionUpstream, upstream)
	p.metrics.AddRelayedBytes(rule.Prefix, metrics.DirectionDownstream, downstream)

	if ctx.Err() != nil {
		return fmt.Errorf("bridge to %s: %w", rule.Target, ctx.Err())
	}
	if err != nil {
		log.Debug("Error during bridge: %v", err)
	}
	return err
}

package echo

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devproxy/pkg/logger"
)

// ConnectionInfo contains details about the request as the backend saw it
type ConnectionInfo struct {
	Name       string      `json:"name"`
	RemoteAddr string      `json:"remote_addr"`
	LocalAddr  string      `json:"local_addr"`
	TLS        *TLSInfo    `json:"tls,omitempty"`
	Request    RequestInfo `json:"request"`
}

// TLSInfo contains TLS-specific connection details
type TLSInfo struct {
	Version            string `json:"version"`
	CipherSuite        string `json:"cipher_suite"`
	ServerName         string `json:"server_name"`
	NegotiatedProtocol string `json:"negotiated_protocol"`
}

type RequestInfo struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Query   string      `json:"query,omitempty"`
	Host    string      `json:"host"`
	Headers http.Header `json:"headers"`
}

// Server is a development backend that reflects plain requests as JSON and
// echoes every WebSocket message back to its sender
type Server struct {
	name     string
	logger   *logger.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// New creates a new echo server
func New(name string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("echo", logger.LevelInfo)
	}
	s := &Server{
		name:   name,
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Handler:  s,
		ErrorLog: logger.NewStdLogger(log, logger.LevelDebug),
	}
	return s
}

// Start starts the echo server on the specified address
func (s *Server) Start(addr string) error {
	return s.start(addr, nil)
}

// StartTLS starts the echo server with TLS on the specified address
func (s *Server) StartTLS(addr string, config *tls.Config) error {
	if config == nil {
		return errors.New("tls config is required")
	}
	return s.start(addr, config)
}

func (s *Server) start(addr string, config *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if config != nil {
		ln = tls.NewListener(ln, config)
	}
	s.listener = ln

	errCh := make(chan error, 1)
	s.serveErr = errCh
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Echo server stopped: %v", err)
			errCh <- err
		}
	}()
	s.logger.Info("Echo server %q listening on %s", s.name, ln.Addr())
	return nil
}

// Addr returns the listening address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the echo server. Hijacked WebSocket connections are closed by
// their clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("[ECHO] request: %s %s %s (from %s)", r.Method, r.URL.Path, r.Host, r.RemoteAddr)

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	info := s.connectionInfo(r)
	body, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal connection info: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("Failed to write response: %v", err)
		return
	}
	s.logger.Debug("[ECHO] sent response: %d bytes", len(body))
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	s.logger.Debug("[ECHO] websocket opened from %s", r.RemoteAddr)
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("[ECHO] websocket read error: %v", err)
			}
			return
		}
		if err := ws.WriteMessage(kind, msg); err != nil {
			s.logger.Debug("[ECHO] websocket write error: %v", err)
			return
		}
	}
}

func (s *Server) connectionInfo(r *http.Request) ConnectionInfo {
	info := ConnectionInfo{
		Name:       s.name,
		RemoteAddr: r.RemoteAddr,
		Request: RequestInfo{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Host:    r.Host,
			Headers: r.Header,
		},
	}
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		info.LocalAddr = addr.String()
	}

	if r.TLS != nil {
		info.TLS = &TLSInfo{
			Version:            getTLSVersion(r.TLS.Version),
			CipherSuite:        getCipherSuiteName(r.TLS.CipherSuite),
			ServerName:         r.TLS.ServerName,
			NegotiatedProtocol: r.TLS.NegotiatedProtocol,
		}
	}
	return info
}

func getTLSVersion(ver uint16) string {
	switch ver {
	case tls.VersionTLS10:
		return "TLS_1.0"
	case tls.VersionTLS11:
		return "TLS_1.1"
	case tls.VersionTLS12:
		return "TLS_1.2"
	case tls.VersionTLS13:
		return "TLS_1.3"
	default:
		return "unknown"
	}
}

func getCipherSuiteName(id uint16) string {
	for _, suite := range tls.CipherSuites() {
		if suite.ID == id {
			return suite.Name
		}
	}
	return "unknown"
}

// shutdownTimeout bounds how long the CLI waits for in-flight echo requests
const shutdownTimeout = 5 * time.Second

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string, config *tls.Config) error {
	if err := s.start(addr, config); err != nil {
		return err
	}
	return s.wait(ctx)
}

// wait blocks until ctx is done or the server fails, then shuts down
func (s *Server) wait(ctx context.Context) error {
	select {
	case err := <-s.serveErr:
		return fmt.Errorf("echo server %q: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

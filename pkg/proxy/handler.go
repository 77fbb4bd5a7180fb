package proxy

import (
	"errors"
	"net/http"

	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/router"
)

// Handler is the hosting-server side of the routing contract: it matches each
// request, forwards it when a rule applies and hands it to fallback otherwise.
type Handler struct {
	router   *router.Router
	proxy    *Proxy
	fallback http.Handler
	logger   *logger.Logger
}

// NewHandler creates a handler. A nil fallback answers unmatched requests with 404.
func NewHandler(r *router.Router, p *Proxy, fallback http.Handler) *Handler {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	return &Handler{
		router:   r,
		proxy:    p,
		fallback: fallback,
		logger:   p.logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn := NewConnection(r, h.logger)

	rule, ok := h.router.Match(r.URL.Path)
	if !ok {
		conn.close(nil)
		h.proxy.metrics.RecordFallthrough()
		h.fallback.ServeHTTP(w, r)
		return
	}
	conn.matched(rule)

	err := h.proxy.forward(r.Context(), conn, w, r, rule)
	switch {
	case err == nil:
	case errors.Is(err, ErrBackendUnavailable):
		conn.Logger().Warn("%s %s: %v", r.Method, r.URL.Path, err)
	default:
		conn.Logger().Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
}

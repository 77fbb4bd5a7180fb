package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/router"
)

// ConnState is the lifecycle position of a Connection
type ConnState int

const (
	StateAccepted ConnState = iota
	StateMatched
	StateForwarding
	StateClosed
)

var stateNames = map[ConnState]string{
	StateAccepted:   "accepted",
	StateMatched:    "matched",
	StateForwarding: "forwarding",
	StateClosed:     "closed",
}

func (s ConnState) String() string {
	return stateNames[s]
}

// Connection tracks one inbound request or upgraded socket from accept to close
type Connection struct {
	ID         string
	RemoteAddr string
	Path       string
	Upgrade    bool

	state   ConnState
	rule    *router.Rule
	started time.Time
	logger  *logger.Logger
}

// NewConnection starts tracking r in the Accepted state
func NewConnection(r *http.Request, log *logger.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:         id,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		Upgrade:    IsUpgradeRequest(r),
		state:      StateAccepted,
		started:    time.Now(),
		logger:     log.With("conn", id),
	}
}

// State returns the current lifecycle state
func (c *Connection) State() ConnState {
	return c.state
}

// Rule returns the matched rule, nil before Matched
func (c *Connection) Rule() *router.Rule {
	return c.rule
}

// Elapsed returns the time since accept
func (c *Connection) Elapsed() time.Duration {
	return time.Since(c.started)
}

// Logger returns the connection-scoped logger
func (c *Connection) Logger() *logger.Logger {
	return c.logger
}

func (c *Connection) matched(rule *router.Rule) {
	c.rule = rule
	c.transition(StateMatched)
}

func (c *Connection) forwarding() {
	c.transition(StateForwarding)
}

func (c *Connection) close(err error) {
	if c.state == StateClosed {
		return
	}
	if err != nil {
		c.logger.Debug("Connection %s %s -> closed (%v) after %s", c.Path, c.state, err, c.Elapsed())
	} else {
		c.logger.Debug("Connection %s %s -> closed after %s", c.Path, c.state, c.Elapsed())
	}
	c.state = StateClosed
}

func (c *Connection) transition(to ConnState) {
	c.logger.Debug("Connection %s %s -> %s", c.Path, c.state, to)
	c.state = to
}

// IsUpgradeRequest reports whether r asks to switch protocols
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") && r.Header.Get("Upgrade") != ""
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

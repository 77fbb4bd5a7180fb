package proxy

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/router"
)

// HeaderData is the value header templates are executed against
type HeaderData struct {
	Method       string
	Path         string
	Host         string
	RemoteAddr   string
	Prefix       string
	Target       string
	ConnectionID string
	// Status is set for response templates only
	Status int
}

func newHeaderData(conn *Connection, r *http.Request, rule *router.Rule) *HeaderData {
	return &HeaderData{
		Method:       r.Method,
		Path:         r.URL.Path,
		Host:         r.Host,
		RemoteAddr:   r.RemoteAddr,
		Prefix:       rule.Prefix,
		Target:       rule.Target.String(),
		ConnectionID: conn.ID,
	}
}

// compiledHeader is one parsed header template
type compiledHeader struct {
	name string
	tmpl *template.Template
}

// compiledRule holds a rule's parsed header templates in name order
type compiledRule struct {
	request  []compiledHeader
	response []compiledHeader
}

// HeaderRewriter renders a rule's header templates onto forwarded requests and responses
type HeaderRewriter struct {
	templates *TemplateManager
	logger    *logger.Logger

	mu       sync.RWMutex
	compiled map[*router.Rule]*compiledRule
}

// NewHeaderRewriter creates a header rewriter resolving named templates from tm
func NewHeaderRewriter(tm *TemplateManager, logger *logger.Logger) *HeaderRewriter {
	return &HeaderRewriter{
		templates: tm,
		logger:    logger,
		compiled:  make(map[*router.Rule]*compiledRule),
	}
}

// Validate parses and dry-runs every header template of rule
func (h *HeaderRewriter) Validate(rule *router.Rule) error {
	_, err := h.compileRule(rule)
	return err
}

// Prepare validates every rule of table and caches the parsed templates.
// On error the previous cache is kept.
func (h *HeaderRewriter) Prepare(table *router.Table) error {
	compiled := make(map[*router.Rule]*compiledRule, table.Len())
	for _, rule := range table.Rules() {
		cr, err := h.compileRule(rule)
		if err != nil {
			return err
		}
		compiled[rule] = cr
	}

	h.mu.Lock()
	h.compiled = compiled
	h.mu.Unlock()
	return nil
}

// ApplyRequest sets the rule's request headers on header
func (h *HeaderRewriter) ApplyRequest(rule *router.Rule, header http.Header, data *HeaderData) error {
	if len(rule.Headers.Request) == 0 {
		return nil
	}
	cr, err := h.lookup(rule)
	if err != nil {
		return err
	}
	return h.apply(cr.request, header, data)
}

// ApplyResponse sets the rule's response headers on header
func (h *HeaderRewriter) ApplyResponse(rule *router.Rule, header http.Header, data *HeaderData) error {
	if len(rule.Headers.Response) == 0 {
		return nil
	}
	cr, err := h.lookup(rule)
	if err != nil {
		return err
	}
	return h.apply(cr.response, header, data)
}

// lookup returns the cached templates of rule, compiling them for rules
// that were never prepared
func (h *HeaderRewriter) lookup(rule *router.Rule) (*compiledRule, error) {
	h.mu.RLock()
	cr, ok := h.compiled[rule]
	h.mu.RUnlock()
	if ok {
		return cr, nil
	}

	cr, err := h.compileRule(rule)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.compiled[rule] = cr
	h.mu.Unlock()
	return cr, nil
}

func (h *HeaderRewriter) compileRule(rule *router.Rule) (*compiledRule, error) {
	request, err := h.compileSet(rule.Headers.Request)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", rule.Prefix, err)
	}
	response, err := h.compileSet(rule.Headers.Response)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", rule.Prefix, err)
	}
	cr := &compiledRule{request: request, response: response}

	sample := &HeaderData{Prefix: rule.Prefix, Target: rule.Target.String()}
	for _, set := range [][]compiledHeader{cr.request, cr.response} {
		if _, err := render(set, sample); err != nil {
			return nil, fmt.Errorf("route %s: %w", rule.Prefix, err)
		}
	}
	return cr, nil
}

func (h *HeaderRewriter) compileSet(set map[string]string) ([]compiledHeader, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]compiledHeader, 0, len(names))
	for _, name := range names {
		tmpl, err := h.templates.newTemplate("header:"+name, set[name])
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		out = append(out, compiledHeader{name: name, tmpl: tmpl})
	}
	return out, nil
}

func (h *HeaderRewriter) apply(set []compiledHeader, header http.Header, data *HeaderData) error {
	values, err := render(set, data)
	if err != nil {
		return err
	}
	for _, ch := range set {
		value, ok := values[ch.name]
		if !ok {
			h.logger.Debug("Skipping empty header %q", ch.name)
			continue
		}
		h.logger.Debug("Setting header %q = %q", ch.name, value)
		header.Set(ch.name, value)
	}
	return nil
}

// render executes each template; empty results are dropped
func render(set []compiledHeader, data *HeaderData) (map[string]string, error) {
	out := make(map[string]string, len(set))
	for _, ch := range set {
		var buf strings.Builder
		if err := ch.tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("header %s: %w", ch.name, err)
		}
		if value := buf.String(); value != "" {
			out[ch.name] = value
		}
	}
	return out, nil
}

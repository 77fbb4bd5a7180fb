package router

import (
	"fmt"
	"sync/atomic"

	"github.com/devproxy/pkg/logger"
)

// Table is an ordered, immutable set of rules. The first rule whose prefix
// matches a path wins.
type Table struct {
	rules []*Rule
}

// NewTable copies rules into a new table, preserving their order
func NewTable(rules ...*Rule) (*Table, error) {
	t := &Table{rules: make([]*Rule, 0, len(rules))}
	for i, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d is nil", i)
		}
		if r.Prefix == "" {
			return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyPrefix)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Match scans the rules in registration order
func (t *Table) Match(path string) (*Rule, bool) {
	for _, r := range t.rules {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Rules returns a copy of the rules in order
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules
func (t *Table) Len() int {
	return len(t.rules)
}

// Router resolves request paths against the current route table
type Router struct {
	table  atomic.Pointer[Table]
	logger *logger.Logger
}

// NewRouter creates a new router instance serving table
func NewRouter(logger *logger.Logger, table *Table) *Router {
	if table == nil {
		table = &Table{}
	}
	r := &Router{logger: logger}
	r.table.Store(table)
	for _, rule := range table.rules {
		logger.Info("Added route %s", rule)
	}
	return r
}

// Match returns the first rule of the current table whose prefix matches path
func (r *Router) Match(path string) (*Rule, bool) {
	rule, ok := r.table.Load().Match(path)
	if !ok {
		r.logger.Debug("No route matches path %s", path)
		return nil, false
	}
	r.logger.Debug("Path %s matched route %s", path, rule)
	return rule, true
}

// Table returns the table currently in use
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Replace swaps in a new table. In-flight requests keep the rule they matched.
func (r *Router) Replace(table *Table) {
	if table == nil {
		table = &Table{}
	}
	old := r.table.Swap(table)
	r.logger.Info("Route table replaced (%d -> %d routes)", old.Len(), table.Len())
	for _, rule := range table.rules {
		r.logger.Debug("  %s", rule)
	}
}

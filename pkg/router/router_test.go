package router

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/devproxy/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *logger.Logger {
	return logger.NewWithOutput("router", logger.LevelDebug, logger.FormatText, &bytes.Buffer{})
}

func mustRule(t *testing.T, prefix, target string, rewrite, upgrade bool, opts ...RuleOption) *Rule {
	t.Helper()
	r, err := NewRule(prefix, target, rewrite, upgrade, opts...)
	require.NoError(t, err)
	return r
}

func TestNewRule(t *testing.T) {
	tests := []struct {
		name          string
		prefix        string
		target        string
		expectedError error
	}{
		{name: "http target", prefix: "/api", target: "http://127.0.0.1:8000"},
		{name: "ws target", prefix: "/ws", target: "ws://127.0.0.1:8000"},
		{name: "https target with base path", prefix: "/v1", target: "https://api.example.com/base"},
		{name: "empty prefix", prefix: "", target: "http://127.0.0.1:8000", expectedError: ErrEmptyPrefix},
		{name: "relative target", prefix: "/api", target: "/backend", expectedError: ErrInvalidTarget},
		{name: "unsupported scheme", prefix: "/api", target: "ftp://127.0.0.1", expectedError: ErrInvalidTarget},
		{name: "missing host", prefix: "/api", target: "http://", expectedError: ErrInvalidTarget},
		{name: "unparseable", prefix: "/api", target: "http://[::1", expectedError: ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRule(tt.prefix, tt.target, true, false)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, r.Prefix)
			assert.Equal(t, tt.target, r.Target.String())
		})
	}
}

func TestRuleAddressing(t *testing.T) {
	tests := []struct {
		target     string
		dialAddr   string
		httpScheme string
		secure     bool
	}{
		{target: "http://127.0.0.1:8000", dialAddr: "127.0.0.1:8000", httpScheme: "http"},
		{target: "ws://127.0.0.1:8000", dialAddr: "127.0.0.1:8000", httpScheme: "http"},
		{target: "ws://backend", dialAddr: "backend:80", httpScheme: "http"},
		{target: "wss://backend", dialAddr: "backend:443", httpScheme: "https", secure: true},
		{target: "https://[::1]", dialAddr: "[::1]:443", httpScheme: "https", secure: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			r := mustRule(t, "/x", tt.target, true, false)
			assert.Equal(t, tt.dialAddr, r.DialAddress())
			assert.Equal(t, tt.httpScheme, r.HTTPScheme())
			assert.Equal(t, tt.secure, r.Secure())
		})
	}
}

func TestForwardPath(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		strip    bool
		path     string
		expected string
	}{
		{name: "kept as is", target: "http://b:1", path: "/api/users", expected: "/api/users"},
		{name: "stripped", target: "http://b:1", strip: true, path: "/api/users", expected: "/users"},
		{name: "stripped to root", target: "http://b:1", strip: true, path: "/api", expected: "/"},
		{name: "stripped without slash", target: "http://b:1", strip: true, path: "/apiv2", expected: "/v2"},
		{name: "target base path", target: "http://b:1/base/", path: "/api/users", expected: "/base/api/users"},
		{name: "base path and strip", target: "http://b:1/base", strip: true, path: "/api/users", expected: "/base/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []RuleOption
			if tt.strip {
				opts = append(opts, WithStripPrefix())
			}
			r := mustRule(t, "/api", tt.target, true, false, opts...)
			assert.Equal(t, tt.expected, r.ForwardPath(tt.path))
		})
	}
}

func TestRuleString(t *testing.T) {
	r := mustRule(t, "/ws", "ws://127.0.0.1:8000", true, true)
	assert.Equal(t, "/ws -> ws://127.0.0.1:8000 [rewrite-origin,upgrade]", r.String())

	r = mustRule(t, "/api", "http://127.0.0.1:8000", false, false)
	assert.Equal(t, "/api -> http://127.0.0.1:8000", r.String())
}

func TestMatch(t *testing.T) {
	api := mustRule(t, "/api", "http://127.0.0.1:8000", true, false)
	ws := mustRule(t, "/ws", "ws://127.0.0.1:8000", true, true)
	a := mustRule(t, "/a", "http://127.0.0.1:9001", true, false)
	ab := mustRule(t, "/ab", "http://127.0.0.1:9002", true, false)

	tests := []struct {
		name     string
		rules    []*Rule
		path     string
		expected *Rule
	}{
		{name: "api prefix", rules: []*Rule{api, ws}, path: "/api/users", expected: api},
		{name: "ws prefix", rules: []*Rule{api, ws}, path: "/ws/chat", expected: ws},
		{name: "exact prefix", rules: []*Rule{api, ws}, path: "/api", expected: api},
		{name: "static asset falls through", rules: []*Rule{api, ws}, path: "/static/app.js", expected: nil},
		{name: "root falls through", rules: []*Rule{api, ws}, path: "/", expected: nil},
		{name: "first registered wins", rules: []*Rule{a, ab}, path: "/ab/x", expected: a},
		{name: "order reversed", rules: []*Rule{ab, a}, path: "/ab/x", expected: ab},
		{name: "overlap resolved by order", rules: []*Rule{api, ws}, path: "/api/ws", expected: api},
		{name: "literal prefix not segment", rules: []*Rule{api}, path: "/apiv2", expected: api},
		{name: "empty table", rules: nil, path: "/api", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewTable(tt.rules...)
			require.NoError(t, err)

			rule, ok := table.Match(tt.path)
			if tt.expected == nil {
				assert.False(t, ok)
				assert.Nil(t, rule)
				return
			}
			assert.True(t, ok)
			assert.Same(t, tt.expected, rule)
		})
	}
}

// TestMatchFirstPrefixProperty checks match against a direct scan over random tables.
func TestMatchFirstPrefixProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"/", "a", "b", "ws", "api"}

	randomPath := func(maxParts int) string {
		var sb strings.Builder
		for i := 0; i < 1+rng.Intn(maxParts); i++ {
			sb.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		return sb.String()
	}

	for i := 0; i < 500; i++ {
		var rules []*Rule
		for j := 0; j < rng.Intn(6); j++ {
			rules = append(rules, mustRule(t, randomPath(3), "http://127.0.0.1:8000", true, false))
		}
		table, err := NewTable(rules...)
		require.NoError(t, err)

		path := randomPath(6)
		var want *Rule
		for _, r := range rules {
			if strings.HasPrefix(path, r.Prefix) {
				want = r
				break
			}
		}

		got, ok := table.Match(path)
		assert.Equal(t, want != nil, ok, "path %q", path)
		assert.Same(t, want, got, "path %q", path)
	}
}

func TestNewTable(t *testing.T) {
	api := mustRule(t, "/api", "http://127.0.0.1:8000", true, false)

	_, err := NewTable(api, nil)
	assert.Error(t, err)

	_, err = NewTable(&Rule{Prefix: ""})
	assert.ErrorIs(t, err, ErrEmptyPrefix)

	rules := []*Rule{api}
	table, err := NewTable(rules...)
	require.NoError(t, err)

	// the table must not observe changes to the caller's slice
	rules[0] = mustRule(t, "/other", "http://127.0.0.1:8000", true, false)
	assert.Equal(t, "/api", table.Rules()[0].Prefix)

	// nor to the slice returned by Rules
	got := table.Rules()
	got[0] = nil
	assert.NotNil(t, table.Rules()[0])
	assert.Equal(t, 1, table.Len())
}

func TestRouterReplace(t *testing.T) {
	api := mustRule(t, "/api", "http://127.0.0.1:8000", true, false)
	ws := mustRule(t, "/ws", "ws://127.0.0.1:8000", true, true)

	first, err := NewTable(api)
	require.NoError(t, err)
	r := NewRouter(setupTestLogger(), first)

	rule, ok := r.Match("/api/users")
	assert.True(t, ok)
	assert.Same(t, api, rule)

	_, ok = r.Match("/ws/chat")
	assert.False(t, ok)

	second, err := NewTable(ws)
	require.NoError(t, err)
	r.Replace(second)

	assert.Same(t, second, r.Table())
	_, ok = r.Match("/api/users")
	assert.False(t, ok)
	rule, ok = r.Match("/ws/chat")
	assert.True(t, ok)
	assert.Same(t, ws, rule)

	r.Replace(nil)
	assert.Equal(t, 0, r.Table().Len())
}

func TestNewRouterNilTable(t *testing.T) {
	r := NewRouter(setupTestLogger(), nil)
	_, ok := r.Match("/api")
	assert.False(t, ok)
}

package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/pkg/config"
)

func TestPrintRoutes(t *testing.T) {
	table, err := config.Default().RouteTable()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printRoutes(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "PREFIX")
	assert.Regexp(t, `1\s+/api\s+http://127\.0\.0\.1:8000\s+true\s+false\s+false`, out)
	assert.Regexp(t, `2\s+/ws\s+ws://127\.0\.0\.1:8000\s+true\s+true\s+false`, out)
}

func TestPrintMatch(t *testing.T) {
	table, err := config.Default().RouteTable()
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "api",
			path:     "/api/users",
			expected: "/api/users: /api -> http://127.0.0.1:8000 [rewrite-origin] (forwarded as /api/users)\n",
		},
		{
			name:     "websocket",
			path:     "/ws",
			expected: "/ws: /ws -> ws://127.0.0.1:8000 [rewrite-origin,upgrade] (forwarded as /ws)\n",
		},
		{
			name:     "static asset",
			path:     "/static/app.js",
			expected: "/static/app.js: no route, served locally\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printMatch(&buf, table, tt.path))
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestApplyServeFlags(t *testing.T) {
	defer func() { serveFlags.routes, serveFlags.listen = nil, "" }()

	tests := []struct {
		name     string
		args     []string
		prefixes []string
		upgrade  []bool
	}{
		{
			name:     "http then ws",
			args:     []string{"--listen", ":4000", "--route", "/graphql=http://localhost:4000", "--ws-route", "/socket=ws://localhost:4001"},
			prefixes: []string{"/graphql", "/socket"},
			upgrade:  []bool{false, true},
		},
		{
			name:     "ws before a broader http rule",
			args:     []string{"--ws-route", "/api/ws=ws://127.0.0.1:9000", "--route", "/api=http://127.0.0.1:8000"},
			prefixes: []string{"/api/ws", "/api"},
			upgrade:  []bool{true, false},
		},
		{
			name:     "interleaved",
			args:     []string{"--route", "/a=http://a:1", "--ws-route", "/b=ws://b:2", "--route", "/c=http://c:3"},
			prefixes: []string{"/a", "/b", "/c"},
			upgrade:  []bool{false, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serveFlags.routes, serveFlags.listen = nil, ""
			cmd := &cobra.Command{Use: "serve"}
			addServeFlags(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))

			cfg := config.Default()
			applyServeFlags(cfg)

			table, err := cfg.RouteTable()
			require.NoError(t, err)
			rules := table.Rules()
			require.Len(t, rules, len(tt.prefixes))
			for i, rule := range rules {
				assert.Equal(t, tt.prefixes[i], rule.Prefix)
				assert.Equal(t, tt.upgrade[i], rule.Upgrade)
			}
		})
	}

	t.Run("ws rule is not shadowed", func(t *testing.T) {
		serveFlags.routes = nil
		cmd := &cobra.Command{Use: "routes"}
		addRouteFlags(cmd)
		require.NoError(t, cmd.ParseFlags([]string{"--ws-route", "/api/ws=ws://127.0.0.1:9000", "--route", "/api=http://127.0.0.1:8000"}))

		cfg := config.Default()
		applyServeFlags(cfg)
		table, err := cfg.RouteTable()
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, printMatch(&buf, table, "/api/ws/chat"))
		assert.Equal(t, "/api/ws/chat: /api/ws -> ws://127.0.0.1:9000 [rewrite-origin,upgrade] (forwarded as /api/ws/chat)\n", buf.String())
	})

	t.Run("listen override", func(t *testing.T) {
		serveFlags.routes, serveFlags.listen = nil, ":4000"
		cfg := config.Default()
		applyServeFlags(cfg)
		assert.Equal(t, ":4000", cfg.Server.Listen)
		assert.Len(t, cfg.Routes, 2, "default routes kept without route flags")
	})

	t.Run("malformed route", func(t *testing.T) {
		serveFlags.routes = nil
		cmd := &cobra.Command{Use: "serve"}
		addServeFlags(cmd)
		assert.Error(t, cmd.ParseFlags([]string{"--route", "broken"}))
		assert.Empty(t, serveFlags.routes)
	})
}

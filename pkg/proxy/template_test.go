package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/pkg/logger"
)

// execute runs the named template through a header template referencing it
func execute(t *testing.T, tm *TemplateManager, name string, data *HeaderData) string {
	t.Helper()
	tmpl, err := tm.newTemplate("header:test", `{{template "`+name+`"}}`)
	require.NoError(t, err)
	var buf strings.Builder
	require.NoError(t, tmpl.Execute(&buf, data))
	return buf.String()
}

func TestTemplateManager(t *testing.T) {
	logger := logger.New("template", logger.LevelInfo)
	tm := NewTemplateManager(logger)

	t.Run("add and get template string", func(t *testing.T) {
		err := tm.AddTemplateString("client", "Client:{{.RemoteAddr}}")
		assert.NoError(t, err)

		tmpl, err := tm.GetTemplate("client")
		assert.NoError(t, err)
		assert.NotNil(t, tmpl)

		tmpl, err = tm.GetTemplate("nonexistent")
		assert.Error(t, err)
		assert.Nil(t, tmpl)
	})

	t.Run("add and get template file", func(t *testing.T) {
		dir := t.TempDir()
		templatePath := filepath.Join(dir, "test.tmpl")
		err := os.WriteFile(templatePath, []byte("Route:{{.Prefix}}\n"), 0644)
		assert.NoError(t, err)

		err = tm.AddTemplateFile("route-file", templatePath)
		assert.NoError(t, err)

		assert.Equal(t, "Route:/api", execute(t, tm, "route-file", &HeaderData{Prefix: "/api"}))

		err = tm.AddTemplateFile("bad-file", "nonexistent.tmpl")
		assert.Error(t, err)
	})

	t.Run("add invalid template", func(t *testing.T) {
		err := tm.AddTemplateString("invalid", "{{.Invalid}")
		assert.Error(t, err)
	})

	t.Run("add duplicate template", func(t *testing.T) {
		err := tm.AddTemplateString("duplicate", "Path:{{.Path}}")
		assert.NoError(t, err)

		err = tm.AddTemplateString("duplicate", "Different:{{.Path}}")
		assert.Error(t, err)
	})

	t.Run("reference to later template", func(t *testing.T) {
		err := tm.AddTemplateString("outer", `[{{template "inner"}}]`)
		assert.NoError(t, err)
		err = tm.AddTemplateString("inner", "{{upper .Method}}")
		assert.NoError(t, err)

		assert.Equal(t, "[GET]", execute(t, tm, "outer", &HeaderData{Method: "get"}))
	})
}

func TestWrapTemplateReference(t *testing.T) {
	tm := NewTemplateManager(logger.New("template", logger.LevelInfo))

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare reference",
			input:    `{{template "user"}}`,
			expected: `{{template "user" .}}`,
		},
		{
			name:     "reference with context",
			input:    `{{template "user" .}}`,
			expected: `{{template "user" .}}`,
		},
		{
			name:     "mixed text",
			input:    `a {{template "x"}} b {{.Path}}`,
			expected: `a {{template "x" .}} b {{.Path}}`,
		},
		{
			name:     "no reference",
			input:    `{{.Host}}`,
			expected: `{{.Host}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tm.WrapTemplateReference(tt.input))
		})
	}
}

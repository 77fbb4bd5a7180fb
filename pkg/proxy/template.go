package proxy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/devproxy/pkg/logger"
)

var templateRefPattern = regexp.MustCompile(`{{template "([^"]+)"([^}]*)}}`)

// templateFuncs are available to every header and named template
var templateFuncs = template.FuncMap{
	"join":  strings.Join,
	"comma": func(items []string) string { return strings.Join(items, ",") },
	"space": func(items []string) string { return strings.Join(items, " ") },
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

// TemplateManager manages named templates that can be referenced in header templates
type TemplateManager struct {
	templates map[string]*template.Template
	logger    *logger.Logger
}

// NewTemplateManager creates a new template manager
func NewTemplateManager(logger *logger.Logger) *TemplateManager {
	return &TemplateManager{
		templates: make(map[string]*template.Template),
		logger:    logger,
	}
}

// WrapTemplateReference ensures all template references include the context
func (tm *TemplateManager) WrapTemplateReference(templateStr string) string {
	return templateRefPattern.ReplaceAllStringFunc(templateStr, func(match string) string {
		if strings.Contains(match, " .") {
			return match
		}
		return strings.TrimSuffix(match, "}}") + " .}}"
	})
}

// newTemplate parses templateStr with the shared functions and every named template attached
func (tm *TemplateManager) newTemplate(name, templateStr string) (*template.Template, error) {
	tmpl := template.New(name).Funcs(templateFuncs)

	for tname, t := range tm.templates {
		if tname == name {
			continue
		}
		if _, err := tmpl.AddParseTree(tname, t.Tree); err != nil {
			return nil, fmt.Errorf("failed to add template %q to %q: %w", tname, name, err)
		}
	}

	tmpl, err := tmpl.Parse(tm.WrapTemplateReference(templateStr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
	}
	return tmpl, nil
}

// AddTemplateString adds a new named template from a string
func (tm *TemplateManager) AddTemplateString(name, templateStr string) error {
	if _, exists := tm.templates[name]; exists {
		return fmt.Errorf("template %q already defined", name)
	}

	tmpl, err := tm.newTemplate(name, templateStr)
	if err != nil {
		return err
	}

	// make the new template visible to those defined before it
	for _, t := range tm.templates {
		if _, err := t.AddParseTree(name, tmpl.Tree); err != nil {
			return fmt.Errorf("failed to add template %q to existing templates: %w", name, err)
		}
	}

	tm.templates[name] = tmpl
	tm.logger.Debug("Added template %q: %s", name, templateStr)
	return nil
}

// AddTemplateFile adds a new named template from a file
func (tm *TemplateManager) AddTemplateFile(name, filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read template file %q: %w", filepath, err)
	}

	return tm.AddTemplateString(name, strings.TrimRight(string(content), "\r\n"))
}

// GetTemplate retrieves a template by name
func (tm *TemplateManager) GetTemplate(name string) (*template.Template, error) {
	tmpl, ok := tm.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}
	return tmpl, nil
}

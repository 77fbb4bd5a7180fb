package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/metrics"
	"github.com/devproxy/pkg/router"
)

// Default addresses
const (
	DefaultListen        = ":3000"
	DefaultMetricsListen = "127.0.0.1:9090"
	DefaultMetricsPath   = "/metrics"
	DefaultNamespace     = "devproxy"
	DefaultBackend       = "127.0.0.1:8000"
)

// Route is one forwarding rule as written in the config file
type Route struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
	// RewriteOrigin defaults to true when omitted
	RewriteOrigin *bool `yaml:"rewrite_origin"`
	Upgrade       bool  `yaml:"upgrade"`
	StripPrefix   bool  `yaml:"strip_prefix"`
	Headers       struct {
		Request  map[string]string `yaml:"request"`
		Response map[string]string `yaml:"response"`
	} `yaml:"headers"`
}

// Config represents the complete proxy configuration
type Config struct {
	Server struct {
		Listen      string `yaml:"listen"`
		StaticDir   string `yaml:"static_dir"`
		SPAFallback bool   `yaml:"spa_fallback"`
		TLS         struct {
			CertFile   string   `yaml:"cert_file"`
			KeyFile    string   `yaml:"key_file"`
			SelfSigned bool     `yaml:"self_signed"`
			Hosts      []string `yaml:"hosts"`
		} `yaml:"tls"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Listen    string `yaml:"listen"`
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	UpstreamTLS struct {
		CAFile             string `yaml:"ca_file"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"upstream_tls"`

	Templates struct {
		Files []struct {
			Name string `yaml:"name"`
			Path string `yaml:"path"`
		} `yaml:"files"`
		Inline []struct {
			Name     string `yaml:"name"`
			Template string `yaml:"template"`
		} `yaml:"inline"`
	} `yaml:"templates"`

	Routes []Route `yaml:"routes"`
}

// DefaultRoutes returns the API and WebSocket rules used when none are configured
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api", Target: "http://" + DefaultBackend, RewriteOrigin: boolPtr(true)},
		{Prefix: "/ws", Target: "ws://" + DefaultBackend, RewriteOrigin: boolPtr(true), Upgrade: true},
	}
}

// Default returns a configuration with every default filled in
func Default() *Config {
	c := &Config{}
	if err := c.validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and fills in defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	// Default values
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Log.Level == "" {
		c.Log.Level = strings.ToLower(logger.LevelInfo.String())
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logger.FormatText)
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	for i := range c.Routes {
		if c.Routes[i].RewriteOrigin == nil {
			c.Routes[i].RewriteOrigin = boolPtr(true)
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logger.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must begin with /: %q", c.Metrics.Path)
	}

	// TLS validation
	tls := c.Server.TLS
	if tls.SelfSigned && (tls.CertFile != "" || tls.KeyFile != "") {
		return errors.New("server.tls: self_signed cannot be combined with cert_file/key_file")
	}
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.UpstreamTLS.CAFile != "" {
		if _, err := os.Stat(c.UpstreamTLS.CAFile); err != nil {
			return fmt.Errorf("failed to read upstream CA file: %w", err)
		}
	}

	// Template file validation
	for _, tmpl := range c.Templates.Files {
		if tmpl.Name == "" {
			return errors.New("template file name is required")
		}
		if tmpl.Path == "" {
			return errors.New("template file path is required")
		}
		if _, err := os.Stat(tmpl.Path); err != nil {
			return fmt.Errorf("failed to read template file %s: %w", tmpl.Path, err)
		}
	}

	// Template inline validation
	for _, tmpl := range c.Templates.Inline {
		if tmpl.Name == "" {
			return errors.New("inline template name is required")
		}
		if tmpl.Template == "" {
			return errors.New("inline template content is required")
		}
	}

	// Route validation
	if _, err := c.RouteTable(); err != nil {
		return err
	}

	return nil
}

// Rule converts the route into a router rule
func (r Route) Rule() (*router.Rule, error) {
	rewrite := true
	if r.RewriteOrigin != nil {
		rewrite = *r.RewriteOrigin
	}

	var opts []router.RuleOption
	if r.StripPrefix {
		opts = append(opts, router.WithStripPrefix())
	}
	if len(r.Headers.Request) > 0 || len(r.Headers.Response) > 0 {
		opts = append(opts, router.WithHeaders(router.HeaderRules{
			Request:  r.Headers.Request,
			Response: r.Headers.Response,
		}))
	}
	return router.NewRule(r.Prefix, r.Target, rewrite, r.Upgrade, opts...)
}

// RouteTable builds the ordered route table from the configured routes
func (c *Config) RouteTable() (*router.Table, error) {
	rules := make([]*router.Rule, 0, len(c.Routes))
	for i, route := range c.Routes {
		rule, err := route.Rule()
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return router.NewTable(rules...)
}

// MetricsConfig converts the metrics section for metrics.NewCollector
func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
	}
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() logger.LogLevel {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.LevelInfo
	}
	return level
}

// LogFormat returns the parsed log format
func (c *Config) LogFormat() logger.Format {
	format, err := logger.ParseFormat(c.Log.Format)
	if err != nil {
		return logger.FormatText
	}
	return format
}

// ParseRouteFlag parses a route flag in prefix=target form
func ParseRouteFlag(value string, upgrade bool) (Route, error) {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Route{}, fmt.Errorf("route %q must be in prefix=target form", value)
	}
	route := Route{
		Prefix:        parts[0],
		Target:        parts[1],
		RewriteOrigin: boolPtr(true),
		Upgrade:       upgrade,
	}
	if _, err := route.Rule(); err != nil {
		return Route{}, err
	}
	return route, nil
}

func boolPtr(b bool) *bool {
	return &b
}

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devproxy/pkg/config"
	"github.com/devproxy/pkg/logger"
	"github.com/devproxy/pkg/metrics"
	"github.com/devproxy/pkg/proxy"
	"github.com/devproxy/pkg/router"
	"github.com/devproxy/pkg/static"
	devtls "github.com/devproxy/pkg/tls"
)

// shutdownTimeout bounds how long in-flight plain requests may take after a signal
const shutdownTimeout = 5 * time.Second

// selfSignedTTL is the lifetime of generated development certificates
const selfSignedTTL = 30 * 24 * time.Hour

var serveFlags struct {
	listen     string
	routes     []config.Route
	staticDir  string
	spa        bool
	metrics    bool
	selfSigned bool
	noWatch    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy (default command)",
	Long: `Start the proxy with the configured routes.

Without --config the default rules apply:
  /api -> http://127.0.0.1:8000 (Host rewritten)
  /ws  -> ws://127.0.0.1:8000   (upgrade bridged)

Examples:
  # Default routes on :3000
  devproxy serve

  # Explicit routes, serving the build output for everything else
  devproxy serve --route /api=http://localhost:8080 --ws-route /socket=ws://localhost:8080 --static ./dist --spa

  # Config file, reloaded on change
  devproxy serve --config devproxy.yaml`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// routeValue is a repeatable route flag. --route and --ws-route share one
// list so rules keep the order they were given on the command line.
type routeValue struct {
	routes  *[]config.Route
	upgrade bool
}

func (v *routeValue) String() string {
	var parts []string
	for _, route := range *v.routes {
		if route.Upgrade == v.upgrade {
			parts = append(parts, route.Prefix+"="+route.Target)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (v *routeValue) Set(value string) error {
	route, err := config.ParseRouteFlag(value, v.upgrade)
	if err != nil {
		return err
	}
	*v.routes = append(*v.routes, route)
	return nil
}

func (v *routeValue) Type() string {
	return "prefix=target"
}

func addRouteFlags(cmd *cobra.Command) {
	cmd.Flags().Var(&routeValue{routes: &serveFlags.routes}, "route", "forwarding rule, repeatable; replaces configured routes")
	cmd.Flags().Var(&routeValue{routes: &serveFlags.routes, upgrade: true}, "ws-route", "upgrade rule, repeatable; replaces configured routes")
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override listen address")
	addRouteFlags(cmd)
	cmd.Flags().StringVar(&serveFlags.staticDir, "static", "", "directory served for requests no rule matches")
	cmd.Flags().BoolVar(&serveFlags.spa, "spa", false, "serve index.html for unknown extensionless paths")
	cmd.Flags().BoolVar(&serveFlags.metrics, "metrics", false, "expose Prometheus metrics")
	cmd.Flags().BoolVar(&serveFlags.selfSigned, "tls-self-signed", false, "serve HTTPS with a generated development certificate")
	cmd.Flags().BoolVar(&serveFlags.noWatch, "no-watch", false, "do not reload routes when the config file changes")
}

// applyServeFlags overrides config values with command line flags
func applyServeFlags(cfg *config.Config) {
	if serveFlags.listen != "" {
		cfg.Server.Listen = serveFlags.listen
	}
	if serveFlags.staticDir != "" {
		cfg.Server.StaticDir = serveFlags.staticDir
	}
	if serveFlags.spa {
		cfg.Server.SPAFallback = true
	}
	if serveFlags.metrics {
		cfg.Metrics.Enabled = true
	}
	if serveFlags.selfSigned {
		cfg.Server.TLS.SelfSigned = true
	}

	if len(serveFlags.routes) > 0 {
		cfg.Routes = append([]config.Route(nil), serveFlags.routes...)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	log := newLogger(cfg)
	log.Info("Starting devproxy %s", Version)

	table, err := cfg.RouteTable()
	if err != nil {
		return err
	}
	rt := router.NewRouter(log.Named("router"), table)

	collector := metrics.NewCollector(cfg.MetricsConfig(), nil)

	tm, err := loadTemplates(cfg, log.Named("template"))
	if err != nil {
		return err
	}
	headers := proxy.NewHeaderRewriter(tm, log.Named("header"))
	if err := headers.Prepare(table); err != nil {
		return err
	}

	upstreamTLS, err := devtls.NewUpstreamTLSConfig(cfg.UpstreamTLS.CAFile, cfg.UpstreamTLS.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("upstream tls: %w", err)
	}

	p := proxy.New(proxy.Options{
		Logger:    log.Named("proxy"),
		Metrics:   collector,
		Headers:   headers,
		TLSConfig: upstreamTLS,
	})

	var fallback http.Handler
	if cfg.Server.StaticDir != "" {
		fallback = static.NewHandler(os.DirFS(cfg.Server.StaticDir), cfg.Server.SPAFallback)
		log.Info("Serving %s for unmatched requests (spa fallback: %t)", cfg.Server.StaticDir, cfg.Server.SPAFallback)
	}

	serverTLS, err := newServerTLS(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:     cfg.Server.Listen,
		Handler:  proxy.NewHandler(rt, p, fallback),
		ErrorLog: logger.NewStdLogger(log.Named("http"), logger.LevelDebug),
		// bridges end when the process shuts down
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		return serveUntilDone(ctx, srv, serverTLS, log)
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		metricsSrv := &http.Server{
			Addr:     cfg.Metrics.Listen,
			Handler:  mux,
			ErrorLog: logger.NewStdLogger(log.Named("metrics"), logger.LevelDebug),
		}
		g.Go(func() error {
			return serveUntilDone(ctx, metricsSrv, nil, log.Named("metrics"))
		})
	}

	if cfgFile != "" && !serveFlags.noWatch && len(serveFlags.routes) == 0 {
		watcher := config.NewWatcher(cfgFile, reloadRoutes(rt, headers, collector, log), log.Named("config"))
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	return g.Wait()
}

// reloadRoutes swaps in the route table of a changed config file. A config
// that fails to load or validate leaves the current table in place.
func reloadRoutes(rt *router.Router, headers *proxy.HeaderRewriter, collector *metrics.Collector, log *logger.Logger) config.ReloadCallback {
	return func(cfg *config.Config, err error) {
		if err != nil {
			collector.RecordReload(false)
			log.Warn("Keeping previous routes")
			return
		}

		table, err := cfg.RouteTable()
		if err == nil {
			err = headers.Prepare(table)
		}
		if err != nil {
			collector.RecordReload(false)
			log.Warn("Keeping previous routes: %v", err)
			return
		}

		rt.Replace(table)
		collector.RecordReload(true)
	}
}

// loadTemplates registers the named header templates of the config
func loadTemplates(cfg *config.Config, log *logger.Logger) (*proxy.TemplateManager, error) {
	tm := proxy.NewTemplateManager(log)
	for _, tmpl := range cfg.Templates.Files {
		if err := tm.AddTemplateFile(tmpl.Name, tmpl.Path); err != nil {
			return nil, err
		}
	}
	for _, tmpl := range cfg.Templates.Inline {
		if err := tm.AddTemplateString(tmpl.Name, tmpl.Template); err != nil {
			return nil, err
		}
	}
	return tm, nil
}

// newServerTLS returns the listener TLS config, nil for plain HTTP
func newServerTLS(cfg *config.Config, log *logger.Logger) (*tls.Config, error) {
	switch {
	case cfg.Server.TLS.SelfSigned:
		tlsConfig, authority, err := devtls.GenerateSelfSigned(cfg.Server.TLS.Hosts, selfSignedTTL)
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		log.Info("Serving HTTPS with a generated certificate; trust this CA to avoid browser warnings:\n%s", authority.CACertificatePEM())
		return tlsConfig, nil
	case cfg.Server.TLS.CertFile != "":
		return devtls.NewServerTLSConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	default:
		return nil, nil
	}
}

// serveUntilDone serves srv until ctx is done, then shuts it down gracefully
func serveUntilDone(ctx context.Context, srv *http.Server, tlsConfig *tls.Config, log *logger.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	scheme := "http"
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
		scheme = "https"
	}
	log.Info("Listening on %s://%s", scheme, ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down %s", ln.Addr())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

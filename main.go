// devproxy is a development reverse proxy. Requests whose path begins with a
// configured prefix are forwarded to a backend, WebSocket upgrades are bridged
// byte for byte, and everything else is served from a local directory.
//
// Usage:
//
//	# Proxy /api and /ws to 127.0.0.1:8000, listen on :3000
//	devproxy serve
//
//	# Use a config file and reload routes when it changes
//	devproxy serve --config devproxy.yaml
//
//	# Run a stand-in backend
//	devproxy echo --listen 127.0.0.1:8000
//
//	# Show which rule a path matches
//	devproxy routes --match /api/users
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/devproxy/pkg/config"
	"github.com/devproxy/pkg/logger"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "devproxy",
	Short: "Development reverse proxy for API and WebSocket backends",
	Long: `devproxy sits in front of a frontend dev server's files and forwards
requests matching a path prefix to backend services.

Rules are checked in order and the first prefix match wins. Plain requests are
forwarded over HTTP, optionally rewriting the Host header to the target.
Upgrade requests on upgrade rules are bridged as raw byte streams. Requests
matching no rule are served locally.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devproxy %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Go Version: %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (text, json)")

	addServeFlags(rootCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, or the defaults when none is given, and applies global flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		if _, err := logger.ParseLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		if _, err := logger.ParseFormat(logFormat); err != nil {
			return nil, err
		}
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithOutput("devproxy", cfg.LogLevel(), cfg.LogFormat(), os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devproxy/pkg/echo"
	devtls "github.com/devproxy/pkg/tls"
)

var echoFlags struct {
	listen     string
	name       string
	selfSigned bool
}

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run a stand-in backend",
	Long: `Run a backend that answers plain requests with a JSON description of what
it received (method, path, Host, headers) and echoes WebSocket messages.

Point a rule at it to check what the proxy forwards:
  devproxy echo --listen 127.0.0.1:8000 &
  curl -H 'Host: app.localhost' http://localhost:3000/api/users`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg).Named("echo")

		var tlsConfig *tls.Config
		if echoFlags.selfSigned {
			tlsConfig, _, err = devtls.GenerateSelfSigned(nil, selfSignedTTL)
			if err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return echo.New(echoFlags.name, log).Run(ctx, echoFlags.listen, tlsConfig)
	},
}

func init() {
	echoCmd.Flags().StringVarP(&echoFlags.listen, "listen", "l", "127.0.0.1:8000", "address to listen on")
	echoCmd.Flags().StringVar(&echoFlags.name, "name", "echo", "name reported in responses")
	echoCmd.Flags().BoolVar(&echoFlags.selfSigned, "tls-self-signed", false, "serve HTTPS with a generated certificate")
	rootCmd.AddCommand(echoCmd)
}

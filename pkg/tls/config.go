package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig creates a TLS configuration for the dev listener from a certificate and key file
func NewServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// NewUpstreamTLSConfig creates the client configuration used for https:// and
// wss:// targets. caFile, when set, is trusted in addition to the system roots.
func NewUpstreamTLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
	}
	if caFile == "" {
		return config, nil
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if ok := pool.AppendCertsFromPEM(caCert); !ok {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	config.RootCAs = pool

	return config, nil
}

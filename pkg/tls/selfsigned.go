package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultHosts are the names a self-signed dev certificate covers when none are given
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// Authority is a throwaway CA that issues leaf certificates on demand, one per server name
type Authority struct {
	mu    sync.RWMutex
	cache map[string]*tls.Certificate
	ca    *x509.Certificate
	caKey *rsa.PrivateKey
	hosts []string
	ttl   time.Duration
}

// NewAuthority creates a CA valid for ttl. hosts are added as SANs to every
// issued certificate.
func NewAuthority(commonName string, hosts []string, ttl time.Duration) (*Authority, error) {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(ttl + time.Minute),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &Authority{
		cache: make(map[string]*tls.Certificate),
		ca:    caCert,
		caKey: caKey,
		hosts: hosts,
		ttl:   ttl,
	}, nil
}

func newSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}

func (a *Authority) issue(serverName string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: serverName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(a.ttl),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	names := append([]string{serverName}, a.hosts...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		host := name
		if h, _, err := net.SplitHostPort(name); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true

		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, a.ca, &privKey.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certBytes, a.ca.Raw},
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, nil
}

// Certificate gets or issues the certificate for serverName
func (a *Authority) Certificate(serverName string) (*tls.Certificate, error) {
	if serverName == "" {
		serverName = a.hosts[0]
	}

	a.mu.RLock()
	if cert, ok := a.cache[serverName]; ok {
		a.mu.RUnlock()
		return cert, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Check again in case another goroutine issued it
	if cert, ok := a.cache[serverName]; ok {
		return cert, nil
	}

	cert, err := a.issue(serverName)
	if err != nil {
		return nil, err
	}
	a.cache[serverName] = cert
	return cert, nil
}

// CertPool returns a pool containing the CA certificate, for clients that should trust the dev listener
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.ca)
	return pool
}

// CACertificatePEM returns the CA certificate PEM encoded
func (a *Authority) CACertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: a.ca.Raw,
	})
}

// ServerConfig returns a server configuration issuing certificates by SNI
func (a *Authority) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return a.Certificate(hello.ServerName)
		},
	}
}

// GenerateSelfSigned creates a fresh authority for hosts and returns its server configuration
func GenerateSelfSigned(hosts []string, ttl time.Duration) (*tls.Config, *Authority, error) {
	authority, err := NewAuthority("devproxy development CA", hosts, ttl)
	if err != nil {
		return nil, nil, err
	}
	return authority.ServerConfig(), authority, nil
}

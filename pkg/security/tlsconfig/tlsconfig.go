package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// certTTL bounds how long a hot-reloaded certificate is reused before the
// key pair is read from disk again.
const certTTL = 10 * time.Second

// Options defines TLS inputs for the management API (server and client side).
type Options struct {
	Enable             bool   `yaml:"enable"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	ServerName         string `yaml:"serverName"`
	// HotReload re-reads the key pair on handshakes so rotated files are
	// picked up without a restart.
	HotReload bool `yaml:"hotReload"`
}

// CAPool loads a PEM bundle into a fresh pool. It fails when the file holds
// no usable certificate.
func CAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification (mTLS).
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := CAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if o.HotReload {
		l := &keyPairLoader{certFile: o.CertFile, keyFile: o.KeyFile}
		if _, err := l.load(); err != nil {
			return nil, err
		}
		cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return l.load() }
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := CAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return cfg, nil
	}
	if o.HotReload {
		l := &keyPairLoader{certFile: o.CertFile, keyFile: o.KeyFile}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return l.load() }
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

type keyPairLoader struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (l *keyPairLoader) load() (*tls.Certificate, error) {
	l.mu.RLock()
	if l.cached != nil && time.Since(l.lastLoad) < certTTL {
		c := l.cached
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cached = &cert
	l.lastLoad = time.Now()
	l.mu.Unlock()
	return &cert, nil
}

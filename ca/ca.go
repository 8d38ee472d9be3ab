// Package ca issues and caches per-host server certificates signed by a
// locally trusted root.
package ca

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/josexy/goodmitm/internal/cache"
	"github.com/josexy/goodmitm/internal/cert"
)

var (
	ErrEmptyHost    = errors.New("empty host")
	ErrKeyMismatch  = errors.New("private key does not match root certificate")
	ErrNotCA        = errors.New("root certificate is not a certificate authority")
	ErrInvalidKey   = errors.New("invalid private key")
	ErrInvalidRoots = errors.New("invalid root certificate")
)

// ValidationError is returned when the key or root certificate supplied at
// construction is malformed or mismatched.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "ca validation: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

type CertificateAuthority struct {
	*options
	root    *cert.Cert
	rootPEM string
	configs cache.Cache[string, *tls.Config]
}

// New builds an authority from PEM (or DER) encoded key and root certificate.
// certPEM is also kept verbatim for download by clients.
func New(keyPEM, certPEM []byte, opt ...Option) (*CertificateAuthority, error) {
	keyDER, err := cert.DecodeDER(keyPEM)
	if err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
	}
	certDER, err := cert.DecodeDER(certPEM)
	if err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("%w: %w", ErrInvalidRoots, err)}
	}
	return NewFromDER(keyDER, certDER, string(certPEM), opt...)
}

// NewFromDER validates the key against the root certificate once and
// returns an authority that never re-parses either of them.
func NewFromDER(keyDER, certDER []byte, certPEM string, opt ...Option) (*CertificateAuthority, error) {
	key, err := cert.ParsePrivateKey(keyDER)
	if err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
	}
	root, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("%w: %w", ErrInvalidRoots, err)}
	}
	if !root.IsCA {
		return nil, &ValidationError{Err: ErrNotCA}
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(root.PublicKey) {
		return nil, &ValidationError{Err: ErrKeyMismatch}
	}

	opts := newOptions(opt...)
	cacheOpts := []cache.Option{
		cache.WithCapacity(opts.cacheSize),
		cache.WithExpiration(opts.cacheTTL),
		cache.WithDeleteExpiredCacheOnGet(),
		cache.WithBackgroundCheckInterval(defaultCheckInterval),
	}
	if opts.now != nil {
		cacheOpts = append(cacheOpts, cache.WithTimeFunc(opts.now))
	}
	return &CertificateAuthority{
		options: opts,
		root:    cert.NewCert(root, key),
		rootPEM: certPEM,
		configs: cache.NewStringCache[*tls.Config](cacheOpts...),
	}, nil
}

// ServerConfig returns the server TLS configuration for host. A port suffix
// is ignored. Concurrent misses for the same host may each synthesize a
// certificate; the last one stored wins.
func (ca *CertificateAuthority) ServerConfig(host string) (*tls.Config, error) {
	host = hostname(host)
	if host == "" {
		return nil, ErrEmptyHost
	}
	if cfg, err := ca.configs.Get(host); err == nil {
		ca.observe(true)
		return cfg, nil
	}
	ca.observe(false)

	leaf, err := cert.NewLeafBuilder().
		Host(host).
		Validity(ca.leafValidity).
		BuildFromCA(ca.root)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", host, err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{leaf.Certificate()},
		NextProtos:   ca.nextProtos,
		ClientAuth:   tls.NoClientCert,
	}
	ca.configs.Set(host, cfg)
	return cfg, nil
}

// GetConfigForClient resolves the configuration from the client's SNI,
// falling back to fallbackHost when the client sent none.
func (ca *CertificateAuthority) GetConfigForClient(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	return func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		host := chi.ServerName
		if host == "" {
			host = fallbackHost
		}
		return ca.ServerConfig(host)
	}
}

// RootCertPEM returns the root certificate text as it was supplied.
func (ca *CertificateAuthority) RootCertPEM() string { return ca.rootPEM }

// RootCert returns the parsed root certificate.
func (ca *CertificateAuthority) RootCert() *x509.Certificate { return ca.root.Cert() }

func (ca *CertificateAuthority) Stop() { ca.configs.Stop() }

func (ca *CertificateAuthority) observe(hit bool) {
	if ca.cacheObserver != nil {
		ca.cacheObserver(hit)
	}
}

// Generate creates a new self-signed root key and certificate, PEM encoded.
func Generate() (keyPEM, certPEM []byte, err error) {
	root, err := cert.NewCaBuilder().
		Subject(pkix.Name{
			CommonName:   "Good-MITM",
			Organization: []string{"Good-MITM"},
			Country:      []string{"CN"},
			Locality:     []string{"CN"},
		}).
		ValidateDays(3650).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return root.Pem()
}

func hostname(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

package goodmitm

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
)

// newUpstreamTLSConfig returns the client TLS configuration for upstream
// servers. rootCAs are added to the system pool.
func newUpstreamTLSConfig(skipVerify bool, rootCAs []string) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: skipVerify}
	if len(rootCAs) == 0 {
		return cfg, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, path := range rootCAs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("root ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("root ca %s: no certificate found", path)
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// newTransport returns the upstream transport. Compression is left to the
// client, so bodies arrive as the server encoded them.
func newTransport(d *upstreamDialer, tlsConfig *tls.Config, enableHTTP2 bool) (*http.Transport, error) {
	t := &http.Transport{
		DialContext:           d.DialContext,
		TLSClientConfig:       tlsConfig.Clone(),
		DisableCompression:    true,
		IdleConnTimeout:       60 * time.Second,
		MaxIdleConns:          100,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
	}
	if enableHTTP2 {
		if _, err := http2.ConfigureTransports(t); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
	}
	return t, nil
}

func newWebsocketDialer(d *upstreamDialer, tlsConfig *tls.Config) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext:   d.DialContext,
		TLSClientConfig:  tlsConfig.Clone(),
		HandshakeTimeout: 10 * time.Second,
	}
}

// Package metadata collects per-connection facts while the proxy serves a
// connection and carries them in a context.Context.
package metadata

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	// ConnectionEstablishedTs is when the client connection was accepted.
	ConnectionEstablishedTs = "connection_established_ts"
	// RequestReceivedTs is when the current request was read.
	RequestReceivedTs = "request_received_ts"
	// SSLHandshakeCompletedTs is when the client TLS handshake finished.
	SSLHandshakeCompletedTs = "ssl_handshake_completed_ts"
	// RequestHostport is the tunnel target, e.g. "example.com:443".
	RequestHostport = "request_hostport"
	// ConnectionSourceAddrPort is the client address.
	ConnectionSourceAddrPort = "connection_source_addrport"
	// ConnectionInbound names how the connection reached the proxy.
	ConnectionInbound = "connection_inbound"
	// ConnectionIntercepted is true once the proxy decided to decrypt.
	ConnectionIntercepted = "connection_intercepted"
	// ConnectionTLSState holds the negotiated client TLS parameters.
	ConnectionTLSState = "connection_tls_state"
	// ConnectionServerCertificate is the leaf presented by the upstream.
	ConnectionServerCertificate = "connection_server_certificate"
)

type Inbound string

const (
	InboundHTTP    Inbound = "http"
	InboundConnect Inbound = "connect"
	InboundSocks5  Inbound = "socks5"
	InboundTLS     Inbound = "tls"
)

// TLSState captures what was negotiated with the client.
type TLSState struct {
	ServerName  string
	Version     uint16
	CipherSuite uint16
	ALPN        string
}

func NewTLSState(cs tls.ConnectionState) *TLSState {
	return &TLSState{
		ServerName:  cs.ServerName,
		Version:     cs.Version,
		CipherSuite: cs.CipherSuite,
		ALPN:        cs.NegotiatedProtocol,
	}
}

func (s *TLSState) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("sni=%s version=%s cipher=%s alpn=%s",
		s.ServerName, tls.VersionName(s.Version), tls.CipherSuiteName(s.CipherSuite), s.ALPN)
}

// ServerCertificate is the subset of the upstream leaf worth logging.
type ServerCertificate struct {
	Subject    string
	Issuer     string
	NotAfter   time.Time
	DNSNames   []string
	RawContent []byte
}

func NewServerCertificate(cert *x509.Certificate) *ServerCertificate {
	return &ServerCertificate{
		Subject:    cert.Subject.String(),
		Issuer:     cert.Issuer.String(),
		NotAfter:   cert.NotAfter,
		DNSNames:   cert.DNSNames,
		RawContent: cert.Raw,
	}
}

func (sc *ServerCertificate) Sha256FingerprintHex() string {
	if sc == nil {
		return ""
	}
	fingerprint := sha256.Sum256(sc.RawContent)
	hex := make([]string, 0, len(fingerprint))
	for _, b := range fingerprint {
		hex = append(hex, fmt.Sprintf("%02X", b))
	}
	return strings.Join(hex, ":")
}

// MD is a snapshot of the collected metadata.
type MD struct {
	ConnectionEstablishedTs time.Time
	RequestReceivedTs       time.Time
	SSLHandshakeCompletedTs time.Time
	RequestHostport         string
	SourceAddr              netip.AddrPort
	Inbound                 Inbound
	Intercepted             bool
	TLSState                *TLSState
	ServerCertificate       *ServerCertificate
}

type metadataKey struct{}

// Metadata is safe for concurrent use; an HTTP/2 connection serves its
// streams concurrently against the same instance.
type Metadata struct {
	md sync.Map
}

func New() *Metadata { return &Metadata{} }

func (m *Metadata) Set(key string, val any) { m.md.Store(key, val) }

func (m *Metadata) Get(key string) (val any, ok bool) { return m.md.Load(key) }

func (m *Metadata) get(key string) any { val, _ := m.md.Load(key); return val }

func (m *Metadata) MD() MD {
	var md MD
	md.ConnectionEstablishedTs, _ = m.get(ConnectionEstablishedTs).(time.Time)
	md.RequestReceivedTs, _ = m.get(RequestReceivedTs).(time.Time)
	md.SSLHandshakeCompletedTs, _ = m.get(SSLHandshakeCompletedTs).(time.Time)
	md.RequestHostport, _ = m.get(RequestHostport).(string)
	md.SourceAddr, _ = m.get(ConnectionSourceAddrPort).(netip.AddrPort)
	md.Inbound, _ = m.get(ConnectionInbound).(Inbound)
	md.Intercepted, _ = m.get(ConnectionIntercepted).(bool)
	md.TLSState, _ = m.get(ConnectionTLSState).(*TLSState)
	md.ServerCertificate, _ = m.get(ConnectionServerCertificate).(*ServerCertificate)
	return md
}

func AppendToContext(ctx context.Context, md *Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

func FromContext(ctx context.Context) (*Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(*Metadata)
	return md, ok
}

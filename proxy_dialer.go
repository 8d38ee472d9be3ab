package goodmitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

var ErrProxyConnect = errors.New("upstream proxy refused CONNECT")

func init() {
	dialerType := func(proxyURL *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
		return &httpProxyDialer{proxyURL: proxyURL, forward: forward}, nil
	}
	proxy.RegisterDialerType("http", dialerType)
	proxy.RegisterDialerType("https", dialerType)
}

// httpProxyDialer tunnels through an HTTP proxy with CONNECT.
type httpProxyDialer struct {
	proxyURL *url.URL
	forward  proxy.Dialer
}

func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var conn net.Conn
	var err error
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, proxyHostPort(d.proxyURL))
	} else {
		conn, err = d.forward.Dial(network, proxyHostPort(d.proxyURL))
	}
	if err != nil {
		return nil, err
	}
	if d.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.proxyURL.Hostname()})
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectHeader := make(http.Header)
	if user := d.proxyURL.User; user != nil {
		if password, ok := user.Password(); ok {
			credential := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
			connectHeader.Set(HttpHeaderProxyAuthorization, "Basic "+credential)
		}
	}
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: connectHeader,
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// The proxy does not speak before the CONNECT reply, so nothing past it
	// is buffered.
	res, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrProxyConnect, res.Status)
	}
	return conn, nil
}

// upstreamDialer dials upstream servers directly or through a proxy.
type upstreamDialer struct {
	dialer  *net.Dialer
	forward proxy.Dialer
}

func newUpstreamDialer(proxyURL *url.URL, dialer *net.Dialer) (*upstreamDialer, error) {
	d := &upstreamDialer{dialer: dialer}
	if proxyURL == nil {
		return d, nil
	}
	forward, err := proxy.FromURL(proxyURL, dialer)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy %s: %w", proxyURL.Redacted(), err)
	}
	d.forward = forward
	return d, nil
}

func (d *upstreamDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.forward == nil {
		return d.dialer.DialContext(ctx, network, addr)
	}
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.forward.Dial(network, addr)
}

// parseProxyFrom resolves the upstream proxy: disabled, explicit, or taken
// from HTTP_PROXY then HTTPS_PROXY.
func parseProxyFrom(disabled bool, rawURL string) (*url.URL, error) {
	if disabled {
		return nil, nil
	}
	if rawURL == "" {
		env := httpproxy.FromEnvironment()
		rawURL = env.HTTPProxy
		if rawURL == "" {
			rawURL = env.HTTPSProxy
		}
	}
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream proxy %q: scheme and host are required", rawURL)
	}
	return u, nil
}

package goodmitm_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/josexy/goodmitm"
	"github.com/josexy/goodmitm/ca"
	"github.com/josexy/goodmitm/metadata"
	"github.com/josexy/goodmitm/rule"
)

type testCA struct {
	*ca.CertificateAuthority
	lookups atomic.Int64
}

func newTestCA(t *testing.T, opt ...ca.Option) *testCA {
	t.Helper()
	keyPEM, certPEM, err := ca.Generate()
	if err != nil {
		t.Fatal(err)
	}
	tca := &testCA{}
	opt = append(opt, ca.WithCacheObserver(func(bool) { tca.lookups.Add(1) }))
	if tca.CertificateAuthority, err = ca.New(keyPEM, certPEM, opt...); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tca.Stop)
	return tca
}

func (c *testCA) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.RootCert())
	return pool
}

func newRules(t *testing.T, rules ...*rule.Rule) *rule.Handler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h, err := rule.NewHandler(rules, rule.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

type testProxy struct {
	*goodmitm.Proxy
	url    *url.URL
	served chan error
}

func startProxy(t *testing.T, authority *testCA, rules *rule.Handler, opt ...goodmitm.Option) *testProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	logger, _ := test.NewNullLogger()
	opts := append([]goodmitm.Option{goodmitm.WithDisableProxy(), goodmitm.WithLogger(logger)}, opt...)
	p, err := goodmitm.New(authority.CertificateAuthority, rules, opts...)
	if err != nil {
		t.Fatal(err)
	}
	tp := &testProxy{Proxy: p, url: &url.URL{Scheme: "http", Host: ln.Addr().String()}, served: make(chan error, 1)}
	go func() { tp.served <- p.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return tp
}

func (tp *testProxy) client(t *testing.T, rootCAs *x509.CertPool) *http.Client {
	tr := &http.Transport{
		Proxy:           http.ProxyURL(tp.url),
		TLSClientConfig: &tls.Config{RootCAs: rootCAs},
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

func get(t *testing.T, client *http.Client, rawURL string) (*http.Response, string) {
	t.Helper()
	res, err := client.Get(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(body)
}

func helloHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Strict-Transport-Security", "max-age=31536000")
	w.Write([]byte("hello world"))
}

func TestProxyPlainHTTPRewrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()

	authority := newTestCA(t)
	rules := newRules(t, &rule.Rule{
		Name:    "rewrite",
		Filters: []rule.Filter{rule.Domain("127.0.0.1")},
		Actions: []rule.Action{rule.ModifyResponse(rule.ModifyBodyText(rule.Replace("hello", "goodbye")))},
	})
	tp := startProxy(t, authority, rules)

	res, body := get(t, tp.client(t, nil), upstream.URL+"/index")
	if res.StatusCode != http.StatusOK || body != "goodbye world" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" || res.Header.Get("Access-Control-Allow-Methods") != "*" {
		t.Fatalf("cors headers missing: %v", res.Header)
	}
	if res.Header.Get("Strict-Transport-Security") != "" {
		t.Fatal("hsts header was not removed")
	}
	if res.ContentLength != int64(len("goodbye world")) {
		t.Fatalf("content length = %d", res.ContentLength)
	}
	if authority.lookups.Load() != 0 {
		t.Fatal("plain http consulted the certificate authority")
	}
}

func TestProxyReject(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer upstream.Close()

	rules := newRules(t, &rule.Rule{
		Name:    "block",
		Filters: []rule.Filter{rule.URLRegex(`/ads/`)},
		Actions: []rule.Action{rule.Reject()},
	})
	tp := startProxy(t, newTestCA(t), rules)
	client := tp.client(t, nil)

	res, body := get(t, client, upstream.URL+"/ads/banner.js")
	if res.StatusCode != http.StatusBadGateway || body != "" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if hits.Load() != 0 {
		t.Fatal("rejected request reached upstream")
	}
	if res, _ := get(t, client, upstream.URL+"/content"); res.StatusCode != http.StatusOK || hits.Load() != 1 {
		t.Fatalf("unmatched request: status %d, hits %d", res.StatusCode, hits.Load())
	}
}

func TestProxyCertEndpoint(t *testing.T) {
	authority := newTestCA(t)
	tp := startProxy(t, authority, nil)
	client := tp.client(t, nil)

	for _, target := range []string{"http://cert.mitm/", "http://example.com/mitm/cert"} {
		res, body := get(t, client, target)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", target, res.StatusCode)
		}
		if body != authority.RootCertPEM() {
			t.Fatalf("%s: body is not the root certificate", target)
		}
		if ct := res.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Fatalf("%s: content type %q", target, ct)
		}
		if cd := res.Header.Get("Content-Disposition"); cd != "attachment; filename=goodmitm.crt" {
			t.Fatalf("%s: content disposition %q", target, cd)
		}
		if res.Header.Get("Access-Control-Allow-Origin") != "*" || res.Header.Get("Access-Control-Allow-Methods") != "*" {
			t.Fatalf("%s: cors headers missing: %v", target, res.Header)
		}
	}

	// Sent to the proxy as an origin server.
	res, body := get(t, &http.Client{Timeout: 5 * time.Second}, tp.url.String()+"/mitm/cert")
	if res.StatusCode != http.StatusOK || body != authority.RootCertPEM() {
		t.Fatalf("direct request: %d", res.StatusCode)
	}
}

func TestProxyInterceptTLS(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()

	authority := newTestCA(t)
	rules := newRules(t, &rule.Rule{
		Name:     "tag",
		MITMList: []string{"127.0.0.1"},
		Filters:  []rule.Filter{rule.Domain("127.0.0.1")},
		Actions:  []rule.Action{rule.ModifyResponse(rule.ModifyHeaderValue("X-Intercepted", rule.Set("yes")))},
	})

	var seen atomic.Pointer[metadata.MD]
	var hcSeen atomic.Bool
	tp := startProxy(t, authority, rules, goodmitm.WithHTTPInterceptor(
		func(ctx context.Context, req *http.Request, invoker goodmitm.HTTPDelegatedInvoker) (*http.Response, error) {
			if md, ok := metadata.FromContext(ctx); ok {
				snapshot := md.MD()
				seen.Store(&snapshot)
			}
			_, ok := rule.HttpContextFrom(ctx)
			hcSeen.Store(ok)
			return invoker.Invoke(req)
		}))

	res, body := get(t, tp.client(t, authority.pool()), upstream.URL+"/")
	if body != "hello world" || res.Header.Get("X-Intercepted") != "yes" {
		t.Fatalf("got %q, headers %v", body, res.Header)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("cors header missing on intercepted response")
	}
	if res.TLS == nil || res.TLS.PeerCertificates[0].CheckSignatureFrom(authority.RootCert()) != nil {
		t.Fatal("client was not served a certificate from the authority")
	}
	if authority.lookups.Load() == 0 {
		t.Fatal("certificate authority was not consulted")
	}

	md := seen.Load()
	if md == nil {
		t.Fatal("interceptor did not see connection metadata")
	}
	if !md.Intercepted || md.Inbound != metadata.InboundConnect || md.TLSState == nil {
		t.Fatalf("unexpected metadata %+v", md)
	}
	if !strings.HasPrefix(md.RequestHostport, "127.0.0.1:") {
		t.Fatalf("hostport = %q", md.RequestHostport)
	}
	if !hcSeen.Load() {
		t.Fatal("interceptor context lacks the exchange context")
	}
}

func TestProxyTunnelNotIntercepted(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()
	upstreamPool := x509.NewCertPool()
	upstreamPool.AddCert(upstream.Certificate())

	tests := []struct {
		name  string
		rules []*rule.Rule
		opts  []goodmitm.Option
	}{
		{name: "no pattern"},
		{
			name: "pattern for another host",
			rules: []*rule.Rule{{
				Name: "other", MITMList: []string{"*.example.com"},
				Filters: []rule.Filter{rule.DomainSuffix("example.com")}, Actions: []rule.Action{rule.LogReq()},
			}},
		},
		{
			name: "excluded",
			rules: []*rule.Rule{{
				Name: "local", MITMList: []string{"127.0.0.1"},
				Filters: []rule.Filter{rule.All()}, Actions: []rule.Action{rule.Reject()},
			}},
			opts: []goodmitm.Option{goodmitm.WithExcludeHosts("127.0.0.1")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authority := newTestCA(t)
			tp := startProxy(t, authority, newRules(t, tt.rules...), tt.opts...)

			res, body := get(t, tp.client(t, upstreamPool), upstream.URL+"/")
			if res.StatusCode != http.StatusOK || body != "hello world" {
				t.Fatalf("got %d %q", res.StatusCode, body)
			}
			if res.Header.Get("Strict-Transport-Security") == "" || res.Header.Get("Access-Control-Allow-Origin") != "" {
				t.Fatal("relayed response was rewritten")
			}
			if n := authority.lookups.Load(); n != 0 {
				t.Fatalf("certificate authority consulted %d times", n)
			}
		})
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var handled atomic.Int64
	tp := startProxy(t, newTestCA(t), nil, goodmitm.WithErrorHandler(func(ec goodmitm.ErrorContext) {
		if ec.Hostport == addr {
			handled.Add(1)
		}
	}))
	client := tp.client(t, nil)

	res, body := get(t, client, "http://"+addr+"/")
	if res.StatusCode != http.StatusBadGateway || body == "" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}

	// A CONNECT to the same address is refused with 502 and reported.
	if _, err := client.Get("https://" + addr + "/"); err == nil {
		t.Fatal("expected the tunnel to fail")
	}
	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handled.Load() == 0 {
		t.Fatal("error handler was not called for the failed tunnel")
	}
}

func TestProxyInterceptorChain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("X-Chain")))
	}))
	defer upstream.Close()

	var mu sync.Mutex
	var order []string
	tag := func(name string) goodmitm.HTTPInterceptor {
		return func(ctx context.Context, req *http.Request, invoker goodmitm.HTTPDelegatedInvoker) (*http.Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			req.Header.Add("X-Chain", name)
			return invoker.Invoke(req)
		}
	}
	tp := startProxy(t, newTestCA(t), nil,
		goodmitm.WithChainHTTPInterceptor(tag("second"), tag("third")),
		goodmitm.WithHTTPInterceptor(tag("first")),
	)

	_, body := get(t, tp.client(t, nil), upstream.URL)
	if body != "first" {
		t.Fatalf("upstream saw X-Chain %q", body)
	}
	if strings.Join(order, ",") != "first,second,third" {
		t.Fatalf("order = %v", order)
	}
}

func TestProxyInterceptorPanic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()

	tp := startProxy(t, newTestCA(t), nil, goodmitm.WithHTTPInterceptor(
		func(context.Context, *http.Request, goodmitm.HTTPDelegatedInvoker) (*http.Response, error) {
			panic("boom")
		}))
	client := tp.client(t, nil)

	res, body := get(t, client, upstream.URL)
	if res.StatusCode != http.StatusBadGateway || !strings.Contains(body, "boom") {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	// The connection survives the panic.
	if res, _ := get(t, client, upstream.URL); res.StatusCode != http.StatusBadGateway {
		t.Fatalf("second request: %d", res.StatusCode)
	}
}

func TestProxySocks5(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()
	uaddr := upstream.Listener.Addr().(*net.TCPAddr)

	tp := startProxy(t, newTestCA(t), nil)
	conn, err := net.DialTimeout("tcp", tp.url.Host, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{5, 1, 0})
	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil || greeting[1] != 0 {
		t.Fatalf("greeting %v, err %v", greeting, err)
	}
	req := []byte{5, 1, 0, 1}
	req = append(req, uaddr.IP.To4()...)
	req = append(req, byte(uaddr.Port>>8), byte(uaddr.Port))
	conn.Write(req)
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil || reply[1] != 0 {
		t.Fatalf("reply %v, err %v", reply, err)
	}

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: " + uaddr.String() + "\r\nConnection: close\r\n\r\n"))
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello world" {
		t.Fatalf("body = %q", body)
	}
}

func TestProxySocks5UnsupportedCommand(t *testing.T) {
	tp := startProxy(t, newTestCA(t), nil)
	conn, err := net.DialTimeout("tcp", tp.url.Host, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{5, 1, 0})
	io.ReadFull(conn, make([]byte, 2))
	// BIND
	conn.Write([]byte{5, 2, 0, 1, 127, 0, 0, 1, 0, 80})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil || reply[1] != 0x07 {
		t.Fatalf("reply %v, err %v", reply, err)
	}
}

func TestProxyDirectTLS(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()

	authority := newTestCA(t)
	tp := startProxy(t, authority, nil, goodmitm.WithMITMHosts("*.test"))

	conn, err := tls.Dial("tcp", tp.url.Host, &tls.Config{ServerName: "app.example.test", RootCAs: authority.pool()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// The Host header names the real upstream.
	conn.Write([]byte("GET / HTTP/1.1\r\nHost: " + upstream.Listener.Addr().String() + "\r\nConnection: close\r\n\r\n"))
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "hello world" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
}

func newEchoWebsocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			c.WriteMessage(mt, append([]byte("echo: "), msg...))
		}
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func pingPong(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 3; i++ {
		msg := "ping " + strconv.Itoa(i)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "echo: "+msg {
			t.Fatalf("got %q", got)
		}
	}
}

func TestProxyWebsocket(t *testing.T) {
	upstream := newEchoWebsocketServer(t)
	wsURL := "ws" + strings.TrimPrefix(upstream.URL, "http") + "/ws"

	tests := []struct {
		name string
		dial func(t *testing.T, tp *testProxy) (*websocket.Conn, *http.Response, error)
	}{
		{"inside intercepted tunnel", func(t *testing.T, tp *testProxy) (*websocket.Conn, *http.Response, error) {
			dialer := websocket.Dialer{Proxy: http.ProxyURL(tp.url), HandshakeTimeout: 5 * time.Second}
			return dialer.Dial(wsURL, nil)
		}},
		{"plain proxy request", func(t *testing.T, tp *testProxy) (*websocket.Conn, *http.Response, error) {
			raw, err := net.Dial("tcp", tp.url.Host)
			if err != nil {
				t.Fatal(err)
			}
			raw.SetDeadline(time.Now().Add(5 * time.Second))
			u, _ := url.Parse(wsURL)
			conn, res, err := websocket.NewClient(raw, u, nil, 1024, 1024)
			raw.SetDeadline(time.Time{})
			return conn, res, err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := startProxy(t, newTestCA(t), nil, goodmitm.WithMITMHosts("127.0.0.1"))
			conn, res, err := tt.dial(t, tp)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			if res.StatusCode != http.StatusSwitchingProtocols {
				t.Fatalf("status = %d", res.StatusCode)
			}
			pingPong(t, conn)

			// The proxy keeps serving other clients afterwards.
			conn.Close()
			if res, _ := get(t, tp.client(t, nil), upstream.URL+"/"); res.StatusCode != http.StatusBadRequest {
				t.Fatalf("plain request after websocket: status = %d", res.StatusCode)
			}
		})
	}
}

func TestProxyHTTP2(t *testing.T) {
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(r.Proto))
	}))
	upstream.EnableHTTP2 = true
	upstream.StartTLS()
	defer upstream.Close()

	authority := newTestCA(t, ca.WithNextProtos("h2", "http/1.1"))
	rules := newRules(t, &rule.Rule{
		Name:     "h2",
		MITMList: []string{"127.0.0.1"},
		Filters:  []rule.Filter{rule.All()},
		Actions:  []rule.Action{rule.ModifyResponse(rule.ModifyBodyText(rule.Replace("HTTP/", "proto ")))},
	})
	tp := startProxy(t, authority, rules, goodmitm.WithHTTP2())

	tr := &http.Transport{
		Proxy:             http.ProxyURL(tp.url),
		TLSClientConfig:   &tls.Config{RootCAs: authority.pool()},
		ForceAttemptHTTP2: true,
	}
	defer tr.CloseIdleConnections()
	res, body := get(t, &http.Client{Transport: tr, Timeout: 10 * time.Second}, upstream.URL)
	if res.ProtoMajor != 2 {
		t.Fatalf("client spoke %s to the proxy", res.Proto)
	}
	if body != "proto 2.0" {
		t.Fatalf("body = %q", body)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("cors header missing on h2 response")
	}
}

func TestProxyShutdown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(helloHandler))
	defer upstream.Close()

	tp := startProxy(t, newTestCA(t), nil)
	client := tp.client(t, nil)
	// leaves an idle keep-alive connection behind
	get(t, client, upstream.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("shutdown waited on an idle connection")
	}
	select {
	case err := <-tp.served:
		if !errors.Is(err, goodmitm.ErrServerClosed) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
}

func TestNewRequiresAuthority(t *testing.T) {
	if _, err := goodmitm.New(nil, nil); !errors.Is(err, goodmitm.ErrNilAuthority) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsBadUpstreamProxy(t *testing.T) {
	authority := newTestCA(t)
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.PanicLevel)
	if _, err := goodmitm.New(authority.CertificateAuthority, nil, goodmitm.WithProxy("127.0.0.1"), goodmitm.WithLogger(logger)); err == nil {
		t.Fatal("expected an error for a proxy url without scheme")
	}
}

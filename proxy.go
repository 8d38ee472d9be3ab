// Package goodmitm is a forward HTTP(S) proxy that decrypts the tunnels its
// rules ask for and rewrites the traffic passing through them.
//
// A Proxy accepts plain HTTP proxy requests, CONNECT tunnels, SOCKS5 and
// direct TLS on one listener. Tunnels whose host matches the MITM patterns of
// the rules are terminated with a certificate issued by the certificate
// authority; every other tunnel is relayed byte for byte.
package goodmitm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/gorilla/websocket"

	"github.com/josexy/goodmitm/ca"
	"github.com/josexy/goodmitm/metrics"
	"github.com/josexy/goodmitm/rule"
)

var (
	ErrServerClosed = errors.New("goodmitm: proxy closed")
	ErrNilAuthority = errors.New("goodmitm: certificate authority is required")
)

var noDeadline time.Time

type ErrorContext struct {
	RemoteAddr string
	Hostport   string
	Error      error
}

type ErrorHandler func(ErrorContext)

type Proxy struct {
	opts      *options
	ca        *ca.CertificateAuthority
	rules     *rule.Handler
	ownRules  bool
	hosts     *hostMatcher
	dialer    *upstreamDialer
	transport *http.Transport
	invoker   HTTPDelegatedInvoker
	wsDialer  *websocket.Dialer
	h2s       *http2.Server
	h2base    *http.Server
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics

	baseCtx    context.Context
	inShutdown atomic.Bool
	wg         sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*trackedConn]struct{}
}

// New builds a proxy that intercepts with authority and rewrites with rules.
// A nil rules handler proxies without rewriting and intercepts only the
// hosts given by WithMITMHosts.
func New(authority *ca.CertificateAuthority, rules *rule.Handler, opt ...Option) (*Proxy, error) {
	if authority == nil {
		return nil, ErrNilAuthority
	}
	opts := newOptions(opt...)

	p := &Proxy{
		opts:      opts,
		ca:        authority,
		rules:     rules,
		logger:    opts.logger,
		metrics:   opts.metrics,
		baseCtx:   context.Background(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*trackedConn]struct{}),
		h2s: &http2.Server{
			IdleTimeout:      60 * time.Second,
			PingTimeout:      15 * time.Second,
			ReadIdleTimeout:  20 * time.Second,
			WriteByteTimeout: 30 * time.Second,
		},
	}
	// h2base carries the graceful shutdown hook of served HTTP/2 connections.
	p.h2base = &http.Server{}
	if err := http2.ConfigureServer(p.h2base, p.h2s); err != nil {
		return nil, err
	}
	if p.rules == nil {
		var err error
		if p.rules, err = rule.NewHandler(nil, rule.WithLogger(opts.logger)); err != nil {
			return nil, err
		}
		p.ownRules = true
	}

	globs := append(append([]string(nil), p.rules.MITMPatterns()...), opts.mitmHosts...)
	hosts, err := newHostMatcher(opts.excludeHosts, globs)
	if err != nil {
		return nil, err
	}
	p.hosts = hosts

	proxyURL, err := parseProxyFrom(opts.disableProxy, opts.proxy)
	if err != nil {
		return nil, err
	}
	if p.dialer, err = newUpstreamDialer(proxyURL, opts.dialer); err != nil {
		return nil, err
	}
	tlsConfig, err := newUpstreamTLSConfig(opts.skipVerifySSL, opts.rootCAs)
	if err != nil {
		return nil, err
	}
	if p.transport, err = newTransport(p.dialer, tlsConfig, opts.http2); err != nil {
		return nil, err
	}
	p.wsDialer = newWebsocketDialer(p.dialer, tlsConfig)

	var base HTTPDelegatedInvoker = HTTPDelegatedInvokerFunc(p.transport.RoundTrip)
	interceptors := opts.chainHttpInts
	if opts.httpInt != nil {
		interceptors = append([]HTTPInterceptor{opts.httpInt}, opts.chainHttpInts...)
	}
	if chained := chainHTTPInterceptors(interceptors); chained != nil {
		chained = protect(chained)
		p.invoker = HTTPDelegatedInvokerFunc(func(req *http.Request) (*http.Response, error) {
			return chained(req.Context(), req, base)
		})
	} else {
		p.invoker = base
	}
	return p, nil
}

// ListenAndServe listens on the TCP address addr and serves until Shutdown.
// ctx is the parent of every connection context.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	p.baseCtx = ctx
	return p.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called or ln fails.
// It always returns a non-nil error, ErrServerClosed after Shutdown.
func (p *Proxy) Serve(ln net.Listener) error {
	if !p.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer p.trackListener(ln, false)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				p.logger.Warnf("accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		tc := &trackedConn{Conn: conn}
		if !p.trackConn(tc, true) {
			conn.Close()
			continue
		}
		go p.serveConn(tc)
	}
}

// Shutdown stops accepting, wakes connections idling between requests and
// waits for in-flight exchanges and tunnels. When ctx expires first, the
// remaining connections are closed and ctx's error is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.inShutdown.Store(true)

	p.mu.Lock()
	for ln := range p.listeners {
		ln.Close()
	}
	for c := range p.conns {
		if c.idle.Load() {
			c.SetReadDeadline(time.Now())
		}
	}
	p.mu.Unlock()
	// Sends GOAWAY to HTTP/2 connections; it has no connections of its own
	// to wait for.
	p.h2base.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.mu.Lock()
		for c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
		<-done
	}
	p.transport.CloseIdleConnections()
	if p.ownRules {
		p.rules.Stop()
	}
	return err
}

func (p *Proxy) shuttingDown() bool { return p.inShutdown.Load() }

func (p *Proxy) trackListener(ln net.Listener, add bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		if p.shuttingDown() {
			return false
		}
		p.listeners[ln] = struct{}{}
	} else {
		delete(p.listeners, ln)
	}
	return true
}

func (p *Proxy) trackConn(c *trackedConn, add bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		if p.shuttingDown() {
			return false
		}
		p.conns[c] = struct{}{}
		p.wg.Add(1)
	} else {
		delete(p.conns, c)
	}
	return true
}

func (p *Proxy) handleError(ec ErrorContext) {
	if p.opts.errHandler != nil {
		p.opts.errHandler(ec)
	}
}

func getAddrPort(addr net.Addr) netip.AddrPort {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

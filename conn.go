package goodmitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/josexy/goodmitm/internal/iocopy"
	"github.com/josexy/goodmitm/metadata"
	"github.com/josexy/goodmitm/rule"
	"github.com/josexy/goodmitm/sni"
)

var (
	ErrInvalidProxyRequest = errors.New("invalid proxy request")
	ErrNestedConnect       = errors.New("CONNECT inside a tunnel")
)

const (
	tlsRecordTypeHandshake = 0x16
	handshakeTimeout       = 10 * time.Second
)

func (p *Proxy) serveConn(tc *trackedConn) {
	defer p.wg.Done()
	defer p.trackConn(tc, false)
	defer tc.Close()

	remote := tc.RemoteAddr().String()
	logger := p.logger.WithField("remote", remote)
	md := metadata.New()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic serving connection: %v\n%s", r, debug.Stack())
		}
	}()

	md.Set(metadata.ConnectionEstablishedTs, time.Now())
	md.Set(metadata.ConnectionSourceAddrPort, getAddrPort(tc.RemoteAddr()))
	ctx, cancel := context.WithCancel(metadata.AppendToContext(p.baseCtx, md))
	defer cancel()

	bc := newBufConn(tc)
	if !p.armIdle(tc) {
		return
	}
	head, err := bc.Peek(1)
	tc.idle.Store(false)
	if err != nil {
		return
	}
	tc.SetReadDeadline(noDeadline)

	inbound := metadata.InboundHTTP
	switch head[0] {
	case socks5Version:
		inbound = metadata.InboundSocks5
	case tlsRecordTypeHandshake:
		inbound = metadata.InboundTLS
	}
	md.Set(metadata.ConnectionInbound, inbound)
	defer p.metrics.ConnOpened(string(inbound))()

	switch inbound {
	case metadata.InboundSocks5:
		err = p.serveSocks5(ctx, tc, bc)
	case metadata.InboundTLS:
		err = p.serveDirectTLS(ctx, tc, bc)
	default:
		err = p.serveHTTP1(ctx, tc, bc, "http", "")
	}
	if err != nil && !isClosedConnError(err) {
		hostport := md.MD().RequestHostport
		logger.WithField("hostport", hostport).Warnf("serve connection: %v", err)
		p.handleError(ErrorContext{RemoteAddr: remote, Hostport: hostport, Error: err})
	}
}

func (p *Proxy) serveSocks5(ctx context.Context, tc *trackedConn, bc *bufConn) error {
	tc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hostport, err := readSocks5Request(bc)
	if err != nil {
		return fmt.Errorf("socks5 handshake: %w", err)
	}
	tc.SetReadDeadline(noDeadline)
	return p.tunnel(ctx, tc, bc, hostport, func(ok bool) error {
		if ok {
			return writeSocks5Reply(bc, socks5ReplySucceeded)
		}
		return writeSocks5Reply(bc, socks5ReplyHostUnreachable)
	})
}

// serveDirectTLS handles a client that speaks TLS to the proxy as if it were
// the server. The target is the SNI host on port 443.
func (p *Proxy) serveDirectTLS(ctx context.Context, tc *trackedConn, bc *bufConn) error {
	tc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	host, consumed, err := sni.ReadServerName(bc)
	if err != nil {
		return fmt.Errorf("read client hello: %w", err)
	}
	tc.SetReadDeadline(noDeadline)
	return p.tunnel(ctx, tc, sni.NewConn(bc, consumed), net.JoinHostPort(host, "443"), nil)
}

// tunnel decides between decrypting and relaying a stream to hostport.
// reply, when set, answers the client's tunnel request once the outcome is
// known.
func (p *Proxy) tunnel(ctx context.Context, tc *trackedConn, conn net.Conn, hostport string, reply func(ok bool) error) error {
	md, _ := metadata.FromContext(ctx)
	md.Set(metadata.RequestHostport, hostport)

	host, _, _ := net.SplitHostPort(hostport)
	decision := p.hosts.decide(host)
	p.metrics.Tunnel(decision.String())
	p.logger.WithFields(logrus.Fields{
		"remote":   tc.RemoteAddr().String(),
		"hostport": hostport,
	}).Debugf("tunnel %s", decision)

	if decision != tunnelIntercept {
		return p.relay(ctx, conn, hostport, reply)
	}
	md.Set(metadata.ConnectionIntercepted, true)
	if reply != nil {
		if err := reply(true); err != nil {
			return err
		}
	}
	return p.intercept(ctx, tc, conn, hostport)
}

func (p *Proxy) relay(ctx context.Context, conn net.Conn, hostport string, reply func(ok bool) error) error {
	dst, err := p.dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		if reply != nil {
			reply(false)
		}
		return fmt.Errorf("dial %s: %w", hostport, err)
	}
	if reply != nil {
		if err := reply(true); err != nil {
			dst.Close()
			return err
		}
	}
	return iocopy.IoCopyBidirectional(dst, conn)
}

// intercept terminates the client side of a tunnel. TLS is answered with a
// certificate for the SNI host, or the tunnel host when there is none.
func (p *Proxy) intercept(ctx context.Context, tc *trackedConn, conn net.Conn, hostport string) error {
	md, _ := metadata.FromContext(ctx)
	bc := newBufConn(conn)

	tc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	head, err := bc.Peek(1)
	if err != nil {
		return err
	}
	if head[0] != tlsRecordTypeHandshake {
		tc.SetReadDeadline(noDeadline)
		return p.serveHTTP1(ctx, tc, bc, "http", hostport)
	}

	host, _, _ := net.SplitHostPort(hostport)
	tlsConn := tls.Server(bc, &tls.Config{GetConfigForClient: p.serverConfig(host)})
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("tls handshake with client: %w", err)
	}
	tc.SetReadDeadline(noDeadline)

	cs := tlsConn.ConnectionState()
	md.Set(metadata.SSLHandshakeCompletedTs, time.Now())
	md.Set(metadata.ConnectionTLSState, metadata.NewTLSState(cs))

	if cs.NegotiatedProtocol == http2.NextProtoTLS && p.opts.http2 {
		p.serveHTTP2(ctx, tlsConn, hostport)
		return nil
	}
	return p.serveHTTP1(ctx, tc, tlsConn, "https", hostport)
}

// serverConfig asks the certificate authority for the client's server
// configuration. Without HTTP/2 the h2 protocol is withdrawn from ALPN.
func (p *Proxy) serverConfig(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	get := p.ca.GetConfigForClient(fallbackHost)
	return func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		cfg, err := get(chi)
		if err != nil {
			return nil, err
		}
		if !p.opts.http2 && slices.Contains(cfg.NextProtos, http2.NextProtoTLS) {
			cfg = cfg.Clone()
			cfg.NextProtos = slices.DeleteFunc(slices.Clone(cfg.NextProtos), func(proto string) bool {
				return proto == http2.NextProtoTLS
			})
		}
		return cfg, nil
	}
}

// serveHTTP1 runs the keep-alive request loop on conn. hostport is the
// tunnel target, empty for plain proxy connections.
func (p *Proxy) serveHTTP1(ctx context.Context, tc *trackedConn, conn net.Conn, scheme, hostport string) error {
	md, _ := metadata.FromContext(ctx)
	var br *bufio.Reader
	if bc, ok := conn.(*bufConn); ok {
		br = bc.r
	} else {
		br = bufio.NewReader(conn)
	}
	bw := bufio.NewWriter(conn)

	for {
		if !p.armIdle(tc) {
			return nil
		}
		req, err := http.ReadRequest(br)
		tc.idle.Store(false)
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			writeHTTP1Response(bw, rule.NewResponse(nil, http.StatusBadRequest, "malformed request"))
			return fmt.Errorf("read request: %w", err)
		}
		tc.SetReadDeadline(noDeadline)
		md.Set(metadata.RequestReceivedTs, time.Now())
		req.RemoteAddr = tc.RemoteAddr().String()
		req = req.WithContext(ctx)

		if req.Method == http.MethodConnect {
			if hostport != "" {
				writeHTTP1Response(bw, rule.NewResponse(req, http.StatusMethodNotAllowed, ErrNestedConnect.Error()))
				return ErrNestedConnect
			}
			target, err := connectTarget(req)
			if err != nil {
				writeHTTP1Response(bw, rule.NewResponse(req, http.StatusBadRequest, err.Error()))
				return err
			}
			md.Set(metadata.ConnectionInbound, metadata.InboundConnect)
			return p.tunnel(ctx, tc, conn, target, func(ok bool) error {
				reply := httpResponseConnectionEstablished
				if !ok {
					reply = httpResponseBadGateway
				}
				_, err := conn.Write(reply)
				return err
			})
		}

		if isWSUpgrade(req.Header) {
			return p.serveWebsocket(ctx, conn, br, req, scheme, hostport)
		}

		body := req.Body
		res := p.exchange(ctx, req, scheme, hostport)
		body.Close()
		keepAlive := !req.Close && !res.Close && !p.shuttingDown()
		res.Close = !keepAlive
		if err := writeHTTP1Response(bw, res); err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

// armIdle marks tc idle and sets the keep-alive read deadline. It reports
// false once Shutdown has begun; a Shutdown racing with the deadline above
// may already have tried to wake tc, so the flag is checked again after it.
func (p *Proxy) armIdle(tc *trackedConn) bool {
	tc.idle.Store(true)
	if p.shuttingDown() {
		return false
	}
	tc.SetReadDeadline(time.Now().Add(p.opts.idleTimeout))
	return !p.shuttingDown()
}

// connectTarget returns the host:port of a CONNECT request, defaulting the
// port to 443.
func connectTarget(req *http.Request) (string, error) {
	target := req.Host
	if target == "" {
		return "", ErrInvalidProxyRequest
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "443")
	}
	return target, nil
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

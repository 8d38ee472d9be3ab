package goodmitm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/josexy/goodmitm/internal/iocopy"
	"github.com/josexy/goodmitm/rule"
)

var (
	_ http.Hijacker       = (*hijackResponseWriter)(nil)
	_ http.ResponseWriter = (*hijackResponseWriter)(nil)
)

// hijackResponseWriter hands an already read connection to the websocket
// upgrader.
type hijackResponseWriter struct {
	conn   net.Conn
	bufRW  *bufio.ReadWriter
	header http.Header
}

// br may be the reader of a bufConn; the upgrader resets a reused reader
// onto the hijacked conn, so the hijacked conn must be the one underneath.
func newHijackResponseWriter(conn net.Conn, br *bufio.Reader) *hijackResponseWriter {
	if bc, ok := conn.(*bufConn); ok {
		conn = bc.Conn
	}
	return &hijackResponseWriter{
		conn:   conn,
		bufRW:  bufio.NewReadWriter(br, bufio.NewWriter(conn)),
		header: make(http.Header),
	}
}

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.bufRW, nil
}

// The upgrader writes its handshake after Hijack; these are unused.
func (w *hijackResponseWriter) Header() http.Header       { return w.header }
func (w *hijackResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (w *hijackResponseWriter) WriteHeader(int)           {}

// serveWebsocket runs the request rules on an upgrade request, opens the
// upstream websocket and relays messages until either side closes.
func (p *Proxy) serveWebsocket(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, scheme, hostport string) error {
	start := time.Now()
	hc := rule.NewHttpContext()
	absoluteURL(req, scheme, hostport)
	logger := p.logger.WithField("id", hc.ID).WithField("remote", req.RemoteAddr)

	out, res := p.rules.HandleRequest(hc, req.WithContext(rule.WithHttpContext(ctx, hc)))
	if res != nil {
		finalizeResponse(res)
		res.Close = true
		p.metrics.Request(req.URL.Scheme, res.StatusCode, time.Since(start))
		return writeHTTP1Response(bufio.NewWriter(conn), res)
	}

	target := *out.URL
	target.Scheme = "ws"
	if out.URL.Scheme == "https" || out.URL.Scheme == "wss" {
		target.Scheme = "wss"
	}
	header := out.Header.Clone()
	removeWebsocketRequestHeaders(header)
	removeHopByHopHeaders(header)
	removeProxyHeaders(header)
	header.Del(HttpHeaderAcceptEncoding)

	upstream, upRes, err := p.wsDialer.DialContext(ctx, target.String(), header)
	if err != nil {
		res := rule.NewResponse(req, http.StatusBadGateway, err.Error())
		if upRes != nil {
			res = upRes
		}
		finalizeResponse(res)
		res.Close = true
		p.metrics.Request(target.Scheme, res.StatusCode, time.Since(start))
		writeHTTP1Response(bufio.NewWriter(conn), res)
		return fmt.Errorf("websocket dial %s: %w", target.Redacted(), err)
	}
	defer upstream.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if sp := upstream.Subprotocol(); sp != "" {
		upgrader.Subprotocols = []string{sp}
	}
	client, err := upgrader.Upgrade(newHijackResponseWriter(conn, br), req, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	defer client.Close()
	p.metrics.Request(target.Scheme, http.StatusSwitchingProtocols, time.Since(start))
	logger.Debugf("websocket %s established", target.Redacted())

	errCh := make(chan error, 2)
	go func() { errCh <- relayWebsocket(upstream, client) }()
	go func() { errCh <- relayWebsocket(client, upstream) }()
	err = <-errCh
	client.Close()
	upstream.Close()
	<-errCh

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		isClosedConnError(err) {
		return nil
	}
	return err
}

// relayWebsocket copies messages from src to dst, forwarding a close frame
// when src closes.
func relayWebsocket(dst, src *websocket.Conn) error {
	for {
		msgType, r, err := src.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return err
		}
		w, err := dst.NextWriter(msgType)
		if err != nil {
			return err
		}
		if err := iocopy.IoCopy(w, r); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
}

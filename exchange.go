package goodmitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/josexy/goodmitm/internal/iocopy"
	"github.com/josexy/goodmitm/metadata"
	"github.com/josexy/goodmitm/rule"
)

const (
	certPathPrefix = "/mitm/cert"
	certHost       = "cert.mitm"
	certFilename   = "goodmitm.crt"
)

func isCertRequest(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, certPathPrefix) ||
		strings.Contains(strings.ToLower(req.Host), certHost)
}

// certResponse serves the root certificate so clients can install it.
func (p *Proxy) certResponse(req *http.Request) *http.Response {
	res := rule.NewResponse(req, http.StatusOK, p.ca.RootCertPEM())
	res.Header.Set(HttpHeaderContentType, "application/octet-stream")
	res.Header.Set(HttpHeaderContentDisposition, "attachment; filename="+certFilename)
	return res
}

// absoluteURL completes the request URL with the scheme and host it was
// received for.
func absoluteURL(req *http.Request, scheme, hostport string) {
	if req.URL.Scheme == "" {
		req.URL.Scheme = scheme
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	if req.URL.Host == "" {
		req.URL.Host = hostport
	}
}

// exchange produces the response for one request: the certificate, a rule
// verdict or the upstream response passed through the response rules. It
// never fails; upstream failures become 502 responses.
func (p *Proxy) exchange(ctx context.Context, req *http.Request, scheme, hostport string) *http.Response {
	start := time.Now()
	hc := rule.NewHttpContext()
	logger := p.logger.WithFields(logrus.Fields{
		"id":     hc.ID,
		"remote": req.RemoteAddr,
	})

	var res *http.Response
	if isCertRequest(req) {
		logger.Debugf("serve root certificate to %s", req.RemoteAddr)
		res = p.certResponse(req)
	} else {
		absoluteURL(req, scheme, hostport)
		req = req.WithContext(rule.WithHttpContext(req.Context(), hc))
		var out *http.Request
		if out, res = p.rules.HandleRequest(hc, req); res == nil {
			res = p.roundTrip(ctx, logger, hc, out)
		}
	}
	finalizeResponse(res)

	logger.Debugf("%s %s %d", req.Method, req.URL.String(), res.StatusCode)
	p.metrics.Request(req.URL.Scheme, res.StatusCode, time.Since(start))
	return res
}

func (p *Proxy) roundTrip(ctx context.Context, logger logrus.FieldLogger, hc *rule.HttpContext, out *http.Request) *http.Response {
	prepareOutboundRequest(out)
	res, err := p.invoker.Invoke(out)
	if err != nil {
		logger.Warnf("round trip %s: %v", hc.URI, err)
		return rule.NewResponse(out, http.StatusBadGateway, err.Error())
	}
	if md, ok := metadata.FromContext(ctx); ok && res.TLS != nil && len(res.TLS.PeerCertificates) > 0 {
		md.Set(metadata.ConnectionServerCertificate, metadata.NewServerCertificate(res.TLS.PeerCertificates[0]))
	}

	upstream := res
	if res, err = p.rules.HandleResponse(hc, res); err != nil {
		upstream.Body.Close()
		logger.Errorf("response rules %s: %v", hc.URI, err)
		return rule.NewResponse(out, http.StatusBadGateway, err.Error())
	}
	return res
}

// writeHTTP1Response writes res as HTTP/1.1 whatever protocol it arrived
// with, and closes its body.
func writeHTTP1Response(w *bufio.Writer, res *http.Response) error {
	defer res.Body.Close()
	res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	if err := res.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

func (p *Proxy) serveHTTP2(ctx context.Context, conn *tls.Conn, hostport string) {
	md, _ := metadata.FromContext(ctx)
	p.h2s.ServeConn(conn, &http2.ServeConnOpts{
		Context:    ctx,
		BaseConfig: p.h2base,
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			md.Set(metadata.RequestReceivedTs, time.Now())
			res := p.exchange(req.Context(), req, "https", hostport)
			defer res.Body.Close()
			if err := writeHTTP2Response(rw, res); err != nil && !isClosedConnError(err) {
				p.handleError(ErrorContext{RemoteAddr: req.RemoteAddr, Hostport: hostport, Error: err})
			}
		}),
	})
}

func writeHTTP2Response(rw http.ResponseWriter, res *http.Response) error {
	header := rw.Header()
	for k, vv := range res.Header {
		if k == HttpHeaderContentLength {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if res.ContentLength >= 0 {
		header.Set(HttpHeaderContentLength, strconv.FormatInt(res.ContentLength, 10))
	}
	rw.WriteHeader(res.StatusCode)
	if err := forwardStreamBody(rw, res.Body); err != nil {
		return err
	}
	// Trailers for grpc
	for k, vv := range res.Trailer {
		for _, v := range vv {
			header.Add(http2.TrailerPrefix+k, v)
		}
	}
	return nil
}

// forwardStreamBody flushes after every read so streamed responses reach
// the client as they arrive.
func forwardStreamBody(rw http.ResponseWriter, body io.Reader) error {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return iocopy.IoCopy(rw, body)
	}
	buffer := acquireHTTP2BodyBuffer()
	defer releaseHTTP2BodyBuffer(buffer)
	for {
		n, err := body.Read(*buffer)
		if n > 0 {
			if _, writeErr := rw.Write((*buffer)[:n]); writeErr != nil {
				return writeErr
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

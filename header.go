package goodmitm

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	HttpHeaderConnection                = "Connection"
	HttpHeaderKeepAlive                 = "Keep-Alive"
	HttpHeaderProxyAuthenticate         = "Proxy-Authenticate"
	HttpHeaderProxyAuthorization        = "Proxy-Authorization"
	HttpHeaderProxyConnection           = "Proxy-Connection"
	HttpHeaderProxyAgent                = "Proxy-Agent"
	HttpHeaderTe                        = "Te"
	HttpHeaderTrailer                   = "Trailer"
	HttpHeaderTransferEncoding          = "Transfer-Encoding"
	HttpHeaderUpgrade                   = "Upgrade"
	HttpHeaderSecWebsocketKey           = "Sec-Websocket-Key"
	HttpHeaderSecWebsocketVersion       = "Sec-Websocket-Version"
	HttpHeaderSecWebsocketExtensions    = "Sec-Websocket-Extensions"
	HttpHeaderSecWebsocketProtocol      = "Sec-Websocket-Protocol"
	HttpHeaderAcceptEncoding            = "Accept-Encoding"
	HttpHeaderContentType               = "Content-Type"
	HttpHeaderContentLength             = "Content-Length"
	HttpHeaderContentDisposition        = "Content-Disposition"
	HttpHeaderStrictTransportSecurity   = "Strict-Transport-Security"
	HttpHeaderAccessControlAllowOrigin  = "Access-Control-Allow-Origin"
	HttpHeaderAccessControlAllowMethods = "Access-Control-Allow-Methods"
)

var httpResponseConnectionEstablished = []byte("HTTP/1.1 200 Connection Established\r\n" +
	HttpHeaderAccessControlAllowOrigin + ": *\r\n" +
	HttpHeaderAccessControlAllowMethods + ": *\r\n\r\n")

var httpResponseBadGateway = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

// Hop-by-hop headers, RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	HttpHeaderConnection,
	HttpHeaderKeepAlive,
	HttpHeaderProxyAuthenticate,
	HttpHeaderProxyAuthorization,
	HttpHeaderTe,
	HttpHeaderTrailer,
	HttpHeaderTransferEncoding,
	HttpHeaderUpgrade,
	HttpHeaderProxyConnection,
}

func removeProxyHeaders(header http.Header) {
	header.Del(HttpHeaderProxyAuthenticate)
	header.Del(HttpHeaderProxyAuthorization)
	header.Del(HttpHeaderProxyConnection)
	header.Del(HttpHeaderProxyAgent)
}

// removeHopByHopHeaders also drops the headers named by Connection.
func removeHopByHopHeaders(header http.Header) {
	for _, v := range header[HttpHeaderConnection] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

// removeWebsocketRequestHeaders drops the handshake headers the websocket
// dialer writes itself.
func removeWebsocketRequestHeaders(header http.Header) {
	header.Del(HttpHeaderUpgrade)
	header.Del(HttpHeaderConnection)
	header.Del(HttpHeaderSecWebsocketKey)
	header.Del(HttpHeaderSecWebsocketVersion)
	header.Del(HttpHeaderSecWebsocketExtensions)
}

func isWSUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h[HttpHeaderUpgrade], "websocket") &&
		httpguts.HeaderValuesContainsToken(h[HttpHeaderConnection], "Upgrade")
}

// prepareOutboundRequest strips what must not travel upstream. The outbound
// Host is taken from the URL.
func prepareOutboundRequest(req *http.Request) {
	req.RequestURI = ""
	req.Host = ""
	req.Header.Del("Host")
	req.Header.Del(HttpHeaderAcceptEncoding)
	req.Header.Del(HttpHeaderContentLength)
	removeHopByHopHeaders(req.Header)
	removeProxyHeaders(req.Header)
}

// finalizeResponse applies the headers every proxied response carries.
func finalizeResponse(res *http.Response) {
	removeHopByHopHeaders(res.Header)
	if _, ok := res.Header[HttpHeaderContentLength]; ok {
		if res.ContentLength >= 0 {
			res.Header.Set(HttpHeaderContentLength, strconv.FormatInt(res.ContentLength, 10))
		} else {
			res.Header.Del(HttpHeaderContentLength)
		}
	}
	res.Header.Del(HttpHeaderStrictTransportSecurity)
	res.Header.Set(HttpHeaderAccessControlAllowOrigin, "*")
	res.Header.Set(HttpHeaderAccessControlAllowMethods, "*")
}

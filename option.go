package goodmitm

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/josexy/goodmitm/metrics"
)

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) { f(o) }

const (
	defaultDialTimeout = 15 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// options holds the configuration of a Proxy.
type options struct {
	logger        logrus.FieldLogger
	errHandler    ErrorHandler
	dialer        *net.Dialer      // Dialer for upstream connections
	excludeHosts  []string         // Hosts always tunnelled, label wildcards
	mitmHosts     []string         // Extra host globs intercepted on top of the rules
	proxy         string           // Upstream proxy URL
	disableProxy  bool             // Ignore WithProxy and the environment
	skipVerifySSL bool             // Skip upstream certificate verification
	rootCAs       []string         // Extra upstream root CA files
	http2         bool             // Serve and dial HTTP/2
	idleTimeout   time.Duration    // Keep-alive wait between requests
	metrics       *metrics.Metrics // Optional collectors

	httpInt       HTTPInterceptor
	chainHttpInts []HTTPInterceptor
}

// newOptions returns the defaults: a 15 second dial timeout, upstream
// certificates not verified and HTTP/1.1 only.
func newOptions(opt ...Option) *options {
	o := &options{
		logger:        logrus.StandardLogger(),
		dialer:        &net.Dialer{Timeout: defaultDialTimeout},
		skipVerifySSL: true,
		idleTimeout:   defaultIdleTimeout,
	}
	for _, fn := range opt {
		fn.apply(o)
	}
	return o
}

// WithLogger sets the logger for connection and exchange events. The
// standard logrus logger is used by default.
func WithLogger(logger logrus.FieldLogger) Option {
	return OptionFunc(func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithErrorHandler sets a callback for connection level failures such as
// failed handshakes, unreachable tunnel targets and malformed requests.
//
// The ErrorHandler receives an ErrorContext containing:
//   - RemoteAddr: The client's remote address
//   - Hostport: The target host:port, when known
//   - Error: The error that occurred
//
// Example:
//
//	p, err := goodmitm.New(authority, rules,
//	    goodmitm.WithErrorHandler(func(ec goodmitm.ErrorContext) {
//	        log.Printf("[%s -> %s] %v", ec.RemoteAddr, ec.Hostport, ec.Error)
//	    }),
//	)
func WithErrorHandler(handler ErrorHandler) Option {
	return OptionFunc(func(o *options) {
		o.errHandler = handler
	})
}

// WithDialer sets the dialer for upstream connections, both tunnels and
// proxied requests.
//
// Example:
//
//	p, err := goodmitm.New(authority, rules,
//	    goodmitm.WithDialer(&net.Dialer{Timeout: 30 * time.Second}),
//	)
func WithDialer(dialer *net.Dialer) Option {
	return OptionFunc(func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	})
}

// WithExcludeHosts lists hosts whose tunnels are never intercepted, even when
// a rule asks for them.
//
// Supports label wildcards:
//   - "cdn.example.com" - exact match
//   - "*.cdn.com" - matches one label below cdn.com
//   - "static.*.example.com" - matches static.prod.example.com, static.dev.example.com, etc.
//
// Example:
//
//	p, err := goodmitm.New(authority, rules,
//	    goodmitm.WithExcludeHosts("*.apple.com", "update.example.com"),
//	)
func WithExcludeHosts(hosts ...string) Option {
	return OptionFunc(func(o *options) {
		o.excludeHosts = append(o.excludeHosts, hosts...)
	})
}

// WithMITMHosts adds host globs to intercept on top of the MITM patterns of
// the rules. "*" matches any run of characters and "?" exactly one.
func WithMITMHosts(patterns ...string) Option {
	return OptionFunc(func(o *options) {
		o.mitmHosts = append(o.mitmHosts, patterns...)
	})
}

// WithProxy sends upstream traffic through another proxy.
//
// The proxy parameter should be a URL in one of these formats:
//   - HTTP proxy: "http://proxy.example.com:8080"
//   - HTTPS proxy: "https://proxy.example.com:8443"
//   - SOCKS5 proxy: "socks5://proxy.example.com:1080"
//
// Without this option the HTTP_PROXY and HTTPS_PROXY environment variables
// are consulted.
func WithProxy(proxy string) Option {
	return OptionFunc(func(o *options) {
		o.proxy = proxy
	})
}

// WithDisableProxy connects directly to every upstream. It takes precedence
// over WithProxy and the environment.
func WithDisableProxy() Option {
	return OptionFunc(func(o *options) {
		o.disableProxy = true
	})
}

// WithSkipVerifySSLFromServer controls whether upstream server certificates
// are verified. Verification is skipped by default.
//
// Example:
//
//	p, err := goodmitm.New(authority, rules,
//	    goodmitm.WithSkipVerifySSLFromServer(false),
//	    goodmitm.WithRootCAs("certs/internal-ca.crt"),
//	)
func WithSkipVerifySSLFromServer(skip bool) Option {
	return OptionFunc(func(o *options) {
		o.skipVerifySSL = skip
	})
}

// WithRootCAs adds PEM files to the system pool used to verify upstream
// servers.
func WithRootCAs(rootCAPaths ...string) Option {
	return OptionFunc(func(o *options) {
		o.rootCAs = append(o.rootCAs, rootCAPaths...)
	})
}

// WithHTTP2 enables HTTP/2 towards clients of intercepted tunnels and towards
// upstream servers. The certificate authority must offer "h2" in its ALPN
// list for clients to negotiate it.
func WithHTTP2() Option {
	return OptionFunc(func(o *options) {
		o.http2 = true
	})
}

// WithIdleTimeout bounds how long a keep-alive connection may wait for its
// next request.
func WithIdleTimeout(d time.Duration) Option {
	return OptionFunc(func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	})
}

// WithHTTPInterceptor sets an interceptor around each upstream round trip.
// It sees the request after the rules rewrote it and the response before the
// response rules run.
//
// The interceptor can:
//   - Inspect or modify the outbound request
//   - Call the invoker to forward the request
//   - Short-circuit the round trip with its own response
//
// A panic inside an interceptor fails the exchange with a 502.
//
// Example:
//
//	p, err := goodmitm.New(authority, rules,
//	    goodmitm.WithHTTPInterceptor(func(ctx context.Context, req *http.Request, invoker goodmitm.HTTPDelegatedInvoker) (*http.Response, error) {
//	        start := time.Now()
//	        res, err := invoker.Invoke(req)
//	        log.Printf("%s %s took %s", req.Method, req.URL, time.Since(start))
//	        return res, err
//	    }),
//	)
func WithHTTPInterceptor(interceptor HTTPInterceptor) Option {
	return OptionFunc(func(o *options) {
		o.httpInt = interceptor
	})
}

// WithChainHTTPInterceptor appends interceptors to the chain. The one set by
// WithHTTPInterceptor runs first, then these in order.
func WithChainHTTPInterceptor(interceptors ...HTTPInterceptor) Option {
	return OptionFunc(func(o *options) {
		o.chainHttpInts = append(o.chainHttpInts, interceptors...)
	})
}

// WithMetrics records connection, tunnel and exchange metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return OptionFunc(func(o *options) {
		o.metrics = m
	})
}

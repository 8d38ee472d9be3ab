package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/josexy/goodmitm"
	"github.com/josexy/goodmitm/ca"
	"github.com/josexy/goodmitm/internal/config"
	"github.com/josexy/goodmitm/metrics"
	"github.com/josexy/goodmitm/rule"
)

type runOptions struct {
	keyPath        string
	certPath       string
	rulePath       string
	bind           string
	proxy          string
	exclude        []string
	http2          bool
	verifyUpstream bool
	cacheSize      int
	maxBodySize    int64
	metricsAddr    string
	log            logOptions
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.keyPath, "key", "k", "ca/"+caKeyFile, "CA private key (PEM)")
	flags.StringVarP(&opts.certPath, "cert", "c", "ca/"+caCertFile, "CA certificate (PEM)")
	flags.StringVarP(&opts.rulePath, "rule", "r", "", "Rule file or directory of rule files")
	flags.StringVarP(&opts.bind, "bind", "b", "127.0.0.1:34567", "Listen address")
	flags.StringVarP(&opts.proxy, "proxy", "p", "", "Upstream proxy URL (http, https or socks5)")
	flags.StringArrayVar(&opts.exclude, "exclude", nil, "Host never intercepted, e.g. *.apple.com (repeatable)")
	flags.BoolVar(&opts.http2, "http2", false, "Enable HTTP/2 to clients and upstream servers")
	flags.BoolVar(&opts.verifyUpstream, "verify-upstream", false, "Verify upstream server certificates")
	flags.IntVar(&opts.cacheSize, "cache-size", 0, "Number of cached host certificates")
	flags.Int64Var(&opts.maxBodySize, "max-body-size", 0, "Largest body rewritten by rules, in bytes")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&opts.log.level, "log-level", "info", "Log level")
	flags.StringVar(&opts.log.format, "log-format", "text", "Log format: text or json")
	flags.StringVar(&opts.log.file, "log-file", "", "Also write logs to this file, rotated")
	_ = cmd.MarkFlagRequired("rule")

	return cmd
}

func runProxy(ctx context.Context, opts runOptions) error {
	logger, closeLog, err := newLogger(opts.log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	rules, err := config.LoadRules(opts.rulePath)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if opts.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	authority, err := loadCA(opts, m)
	if err != nil {
		return err
	}
	defer authority.Stop()

	handler, err := rule.NewHandler(rules,
		rule.WithLogger(logger),
		rule.WithMaxBodySize(opts.maxBodySize),
		rule.WithMatchObserver(m.RuleMatched),
	)
	if err != nil {
		return err
	}
	defer handler.Stop()

	proxyOpts := []goodmitm.Option{
		goodmitm.WithLogger(logger),
		goodmitm.WithExcludeHosts(opts.exclude...),
		goodmitm.WithSkipVerifySSLFromServer(!opts.verifyUpstream),
		goodmitm.WithMetrics(m),
		goodmitm.WithErrorHandler(func(ec goodmitm.ErrorContext) {
			logger.WithFields(logrus.Fields{"remote": ec.RemoteAddr, "hostport": ec.Hostport}).Debugf("connection error: %v", ec.Error)
		}),
	}
	if opts.proxy != "" {
		proxyOpts = append(proxyOpts, goodmitm.WithProxy(opts.proxy))
	}
	if opts.http2 {
		proxyOpts = append(proxyOpts, goodmitm.WithHTTP2())
	}
	p, err := goodmitm.New(authority, handler, proxyOpts...)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler(reg))
		metricsSrv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() { serverErr <- p.ListenAndServe(ctx, opts.bind) }()
	logger.Infof("proxy listening on %s with %d rule(s)", opts.bind, len(rules))

	select {
	case <-signalCtx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, goodmitm.ErrServerClosed) {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func loadCA(opts runOptions, m *metrics.Metrics) (*ca.CertificateAuthority, error) {
	keyPEM, err := os.ReadFile(opts.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}
	certPEM, err := os.ReadFile(opts.certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	caOpts := []ca.Option{
		ca.WithCacheSize(opts.cacheSize),
		ca.WithCacheObserver(m.CertCache),
	}
	if opts.http2 {
		caOpts = append(caOpts, ca.WithNextProtos("h2", "http/1.1"))
	}
	return ca.New(keyPEM, certPEM, caOpts...)
}

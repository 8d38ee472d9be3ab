package rule

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
)

// Handler runs the configured rules against HTTP exchanges. The rule set is
// validated once by NewHandler and never changes afterwards, so a Handler is
// safe for concurrent use.
type Handler struct {
	*options
	rules    []*Rule
	regex    *RegexCache
	patterns []string
}

// NewHandler validates and initializes rules. Any invalid rule fails the whole
// set and no Handler is returned.
func NewHandler(rules []*Rule, opt ...Option) (*Handler, error) {
	opts := newOptions(opt...)
	rc := NewRegexCache(opts.regexCacheSize)

	var errs []error
	for _, r := range rules {
		if r == nil {
			continue
		}
		if err := r.init(rc); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		rc.Stop()
		return nil, errors.Join(errs...)
	}

	h := &Handler{options: opts, regex: rc}
	seen := make(map[string]struct{})
	for _, r := range rules {
		if r == nil {
			continue
		}
		h.rules = append(h.rules, r)
		for _, p := range r.MITMPatterns() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			h.patterns = append(h.patterns, p)
		}
	}
	return h, nil
}

// Rules returns the validated rules in declaration order.
func (h *Handler) Rules() []*Rule { return h.rules }

// MITMPatterns returns the deduplicated union of every rule's host globs.
func (h *Handler) MITMPatterns() []string { return h.patterns }

func (h *Handler) Stop() { h.regex.Stop() }

// HandleRequest runs the request pipelines of every matching rule in order.
// It returns either the request to send upstream or a response that ends the
// exchange, in which case HandleResponse must not be called.
func (h *Handler) HandleRequest(hc *HttpContext, req *http.Request) (*http.Request, *http.Response) {
	hc.URI = req.URL.String()
	req.Header.Del("Accept-Encoding")

	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	logger := h.logger.WithField("id", hc.ID)

	for _, r := range h.rules {
		if !r.Match(host, hc.URI) {
			continue
		}
		hc.ShouldModifyResponse = true
		hc.Rules = append(hc.Rules, r)
		if h.matchObserver != nil {
			h.matchObserver(r.Name)
		}

		var res *http.Response
		req, res = h.doRequest(logger.WithField("rule", r.Name), hc, r, req)
		if res != nil {
			return nil, res
		}
	}
	return req, nil
}

func (h *Handler) doRequest(logger logrus.FieldLogger, hc *HttpContext, r *Rule, req *http.Request) (*http.Request, *http.Response) {
	for i := range r.Actions {
		a := &r.Actions[i]
		if !a.requestPhase() {
			continue
		}
		switch a.Kind {
		case ActionReject:
			logger.Infof("[Reject] %s", hc.URI)
			return nil, NewResponse(req, http.StatusBadGateway, "")

		case ActionRedirect:
			target, ok := h.redirectTarget(r, a.Target, req.URL.String())
			if !ok {
				logger.Warnf("[Redirect] %s: target %q does not resolve to a valid location, skipped", hc.URI, a.Target)
				continue
			}
			logger.Infof("[Redirect] %s -> %s", hc.URI, target)
			res := NewResponse(req, http.StatusFound, "")
			res.Header.Set("Location", target)
			return nil, res

		case ActionModifyRequest:
			logger.Infof("[Modify] %s %s", a.Modify.Kind, hc.URI)
			next, err := a.Modify.modifyRequest(req, h.maxBodySize, logger)
			if err != nil {
				logger.Errorf("[Modify] %s: %v", hc.URI, err)
				return nil, NewResponse(req, http.StatusBadRequest, err.Error())
			}
			req = next

		case ActionLogReq:
			logger.Infof("%s %s\nHeaders:\n%s", req.Method, req.URL.String(), formatHeaders(req.Header))

		case ActionScript:
			next, err := h.scriptRequest(a.Code, req)
			if err != nil {
				logger.Errorf("[Script] %s: %v", hc.URI, err)
				return nil, NewResponse(req, http.StatusBadRequest, err.Error())
			}
			req = next
		}
	}
	return req, nil
}

// redirectTarget resolves a "$" template against the first URL-regex filter
// matching uri. Targets without a template, or rules without a URL-regex
// filter, redirect to the target as written.
func (h *Handler) redirectTarget(r *Rule, target, uri string) (string, bool) {
	if !strings.Contains(target, "$") {
		return target, true
	}
	re, hasRegex := r.redirectRegex(uri)
	if re == nil {
		return target, !hasRegex
	}
	resolved := expandFirst(re, uri, target)
	if resolved == "" || !httpguts.ValidHeaderFieldValue(resolved) {
		return "", false
	}
	return resolved, true
}

// HandleResponse runs the response pipelines of the rules recorded in hc by
// HandleRequest, in the same order. An error means the response cannot be
// delivered and should be replaced by a bad gateway response.
func (h *Handler) HandleResponse(hc *HttpContext, res *http.Response) (*http.Response, error) {
	if !hc.ShouldModifyResponse || len(hc.Rules) == 0 {
		return res, nil
	}
	logger := h.logger.WithField("id", hc.ID)
	logger.Infof("[Response] %d %s %s", res.StatusCode, hostOf(hc.URI, res), contentType(res.Header))

	for _, r := range hc.Rules {
		if !r.hasResponseActions() {
			continue
		}
		var err error
		if res, err = h.doResponse(logger.WithField("rule", r.Name), hc, r, res); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return res, nil
}

func (h *Handler) doResponse(logger logrus.FieldLogger, hc *HttpContext, r *Rule, res *http.Response) (*http.Response, error) {
	for i := range r.Actions {
		a := &r.Actions[i]
		if !a.responsePhase() {
			continue
		}
		var err error
		switch a.Kind {
		case ActionModifyResponse:
			logger.Infof("[Modify] %s %s", a.Modify.Kind, hc.URI)
			res, err = a.Modify.modifyResponse(res, h.maxBodySize, logger)
		case ActionLogRes:
			logger.Infof("%d %s\nHeaders:\n%s", res.StatusCode, res.Proto, formatHeaders(res.Header))
		case ActionScript:
			res, err = h.scriptResponse(a.Code, res)
		}
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func formatHeaders(h http.Header) string {
	var b strings.Builder
	for k, values := range h {
		for _, v := range values {
			fmt.Fprintf(&b, "\t%-20s%s\r\n", k+":", v)
		}
	}
	return b.String()
}

func contentType(h http.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "unknown"
}

func hostOf(uri string, res *http.Response) string {
	if res.Request != nil && res.Request.URL != nil {
		return res.Request.URL.Hostname()
	}
	return uri
}

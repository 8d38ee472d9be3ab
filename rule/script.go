package rule

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"unicode/utf8"
)

var ErrNoScriptEvaluator = errors.New("no script evaluator configured")

// ScriptEvaluator runs the code of a js action against a message. The
// request phase passes {"request": {"method", "url", "headers", "body"}} and
// the response phase passes {"response": {"status", "headers", "body"}}.
// The "headers", "url" and "body" keys of the result are applied back to the
// message; other keys are ignored.
type ScriptEvaluator interface {
	Evaluate(code string, data map[string]any) (map[string]any, error)
}

type ScriptEvaluatorFunc func(code string, data map[string]any) (map[string]any, error)

func (f ScriptEvaluatorFunc) Evaluate(code string, data map[string]any) (map[string]any, error) {
	return f(code, data)
}

func headersToMap(h http.Header) map[string]any {
	m := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return m
}

func bodyValue(data []byte) any {
	if utf8.Valid(data) {
		return string(data)
	}
	return nil
}

func applyScriptHeaders(h http.Header, result map[string]any) {
	headers, ok := result["headers"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range headers {
		s, ok := v.(string)
		if !ok || !validHeaderName(k) {
			continue
		}
		h.Set(k, s)
	}
}

func (h *Handler) scriptRequest(code string, req *http.Request) (*http.Request, error) {
	if h.evaluator == nil {
		return nil, ErrNoScriptEvaluator
	}
	data, rest, err := readBody(req.Body, h.maxBodySize)
	if err != nil {
		if rest != nil {
			rest.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	result, err := h.evaluator.Evaluate(code, map[string]any{
		"request": map[string]any{
			"method":  req.Method,
			"url":     req.URL.String(),
			"headers": headersToMap(req.Header),
			"body":    bodyValue(data),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}

	applyScriptHeaders(req.Header, result)
	if s, ok := result["url"].(string); ok {
		if u, err := url.Parse(s); err == nil {
			req.URL = u
			req.Host = u.Host
		}
	}
	if s, ok := result["body"].(string); ok {
		data = []byte(s)
	}
	setRequestBody(req, data)
	return req, nil
}

func (h *Handler) scriptResponse(code string, res *http.Response) (*http.Response, error) {
	if h.evaluator == nil {
		return nil, ErrNoScriptEvaluator
	}
	data, rest, err := readBody(res.Body, h.maxBodySize)
	if err != nil {
		if rest != nil {
			rest.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	result, err := h.evaluator.Evaluate(code, map[string]any{
		"response": map[string]any{
			"status":  res.StatusCode,
			"headers": headersToMap(res.Header),
			"body":    bodyValue(data),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}

	applyScriptHeaders(res.Header, result)
	if s, ok := result["body"].(string); ok {
		data = []byte(s)
	}
	setResponseBody(res, data)
	return res, nil
}

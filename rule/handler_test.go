package rule

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newHandler(t *testing.T, rules []*Rule, opt ...Option) (*Handler, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h, err := NewHandler(rules, append([]Option{WithLogger(logger)}, opt...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h, hook
}

func newTestResponse(req *http.Request, contentType string, body []byte) *http.Response {
	res := &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if contentType != "" {
		res.Header.Set("Content-Type", contentType)
	}
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return res
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHandleRequestShortCircuit(t *testing.T) {
	h, hook := newHandler(t, []*Rule{
		{Name: "a", Filters: []Filter{All()}, Actions: []Action{Reject()}},
		{Name: "b", Filters: []Filter{All()}, Actions: []Action{
			ModifyRequest(ModifyHeaderValue("X-From-B", Set("1"))),
			LogReq(),
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	hc := NewHttpContext()
	out, res := h.HandleRequest(hc, req)
	if out != nil || res == nil {
		t.Fatalf("expected a terminal response, got request %v", out)
	}
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if body := readAll(t, res.Body); body != "" {
		t.Fatalf("body = %q", body)
	}
	if req.Header.Get("X-From-B") != "" {
		t.Fatal("second rule ran after reject")
	}
	if len(hc.Rules) != 1 || hc.Rules[0].Name != "a" {
		t.Fatalf("matched rules = %v", hc.Rules)
	}
	for _, e := range hook.AllEntries() {
		if e.Data["rule"] == "b" {
			t.Fatalf("unexpected log from rule b: %s", e.Message)
		}
	}
}

func TestHandleRequestNoMatch(t *testing.T) {
	h, _ := newHandler(t, []*Rule{
		{Name: "a", Filters: []Filter{Domain("other.com")}, Actions: []Action{Reject()}},
	})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	hc := NewHttpContext()
	out, res := h.HandleRequest(hc, req)
	if res != nil || out == nil {
		t.Fatal("expected the request to pass")
	}
	if hc.ShouldModifyResponse {
		t.Fatal("response phase enabled without a match")
	}
	if out.Header.Get("Accept-Encoding") != "" {
		t.Fatal("accept-encoding was not removed")
	}
	if hc.URI != "http://example.com/" {
		t.Fatalf("uri = %q", hc.URI)
	}

	upstream := newTestResponse(out, "text/html", []byte("untouched"))
	got, err := h.HandleResponse(hc, upstream)
	if err != nil || got != upstream {
		t.Fatalf("response changed without a match: %v", err)
	}
}

func TestHeaderModifyRoundTrip(t *testing.T) {
	rc := NewRegexCache(0)
	defer rc.Stop()
	logger, _ := test.NewNullLogger()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	for _, value := range []string{"v1", "v2"} {
		m := ModifyHeaderValue("X-Test", Set(value))
		if err := m.init(rc); err != nil {
			t.Fatal(err)
		}
		var err error
		if req, err = m.modifyRequest(req, defaultMaxBodySize, logger); err != nil {
			t.Fatal(err)
		}
		if got := req.Header.Values("X-Test"); len(got) != 1 || got[0] != value {
			t.Fatalf("X-Test = %v, want [%s]", got, value)
		}
	}

	rm := RemoveHeader("X-Test")
	req, _ = rm.modifyRequest(req, defaultMaxBodySize, logger)
	if _, ok := req.Header["X-Test"]; ok {
		t.Fatal("header was not removed")
	}
}

func TestHeaderModifyReplace(t *testing.T) {
	h, _ := newHandler(t, []*Rule{{
		Name:    "ua",
		Filters: []Filter{All()},
		Actions: []Action{ModifyRequest(ModifyHeaderValue("User-Agent", Replace("Chrome", "Firefox")))},
	}})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120")

	out, res := h.HandleRequest(NewHttpContext(), req)
	if res != nil {
		t.Fatal("unexpected response")
	}
	if ua := out.Header.Get("User-Agent"); ua != "Mozilla/5.0 Firefox/120" {
		t.Fatalf("user-agent = %q", ua)
	}
}

func TestCookieModify(t *testing.T) {
	rc := NewRegexCache(0)
	defer rc.Stop()
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name   string
		modify *Modify
		cookie string
		want   string
	}{
		{"remove first", RemoveCookie("a"), "a=1; b=2", "b=2"},
		{"remove last", RemoveCookie("b"), "a=1; b=2", "a=1"},
		{"remove only", RemoveCookie("a"), "a=1", ""},
		{"remove missing", RemoveCookie("c"), "a=1; b=2", "a=1; b=2"},
		{"update in place", ModifyCookieValue("a", Replace("1", "9")), "a=1; b=2", "a=9; b=2"},
		{"insert", ModifyCookieValue("c", Set("3")), "a=1; b=2", "a=1; b=2; c=3"},
		{"insert into empty", ModifyCookieValue("c", Set("3")), "", "c=3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.modify.init(rc); err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			if tt.cookie != "" {
				req.Header.Set("Cookie", tt.cookie)
			}
			req, err := tt.modify.modifyRequest(req, defaultMaxBodySize, logger)
			if err != nil {
				t.Fatal(err)
			}
			got, present := req.Header["Cookie"]
			if tt.want == "" {
				if present {
					t.Fatalf("cookie header = %v, want none", got)
				}
				return
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Fatalf("cookie header = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseCookieModify(t *testing.T) {
	rc := NewRegexCache(0)
	defer rc.Stop()
	logger, _ := test.NewNullLogger()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	res := newTestResponse(req, "text/html", nil)
	res.Header.Add("Set-Cookie", "session=abc; Path=/; HttpOnly")
	res.Header.Add("Set-Cookie", "theme=dark")

	m := ModifyCookieValue("session", Set("xyz"))
	if err := m.init(rc); err != nil {
		t.Fatal(err)
	}
	res, err := m.modifyResponse(res, defaultMaxBodySize, logger)
	if err != nil {
		t.Fatal(err)
	}
	got := res.Header.Values("Set-Cookie")
	want := []string{"session=xyz; Path=/; HttpOnly", "theme=dark"}
	if len(got) != len(want) {
		t.Fatalf("set-cookie = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("set-cookie = %v, want %v", got, want)
		}
	}

	rm := RemoveCookie("theme")
	res, _ = rm.modifyResponse(res, defaultMaxBodySize, logger)
	if got := res.Header.Values("Set-Cookie"); len(got) != 1 || !strings.HasPrefix(got[0], "session=xyz") {
		t.Fatalf("set-cookie after remove = %v", got)
	}
}

func TestBodyModifyGating(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0xff, 0x00}

	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        []byte
	}{
		{"image untouched", "image/png", png, png},
		{"html replaced", "text/html; charset=utf-8", []byte("<p>hello</p>"), []byte("x")},
		{"javascript replaced", "application/javascript", []byte("alert(1)"), []byte("x")},
		{"binary text passes through", "text/plain", []byte{0xff, 0xfe, 0xfd}, []byte{0xff, 0xfe, 0xfd}},
		{"case sensitive", "TEXT/HTML", []byte("<p>hello</p>"), []byte("<p>hello</p>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t, []*Rule{{
				Name:    "body",
				Filters: []Filter{All()},
				Actions: []Action{ModifyResponse(ModifyBodyText(Set("x")))},
			}})
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			hc := NewHttpContext()
			if _, res := h.HandleRequest(hc, req); res != nil {
				t.Fatal("unexpected response")
			}
			res, err := h.HandleResponse(hc, newTestResponse(req, tt.contentType, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			got := readAll(t, res.Body)
			if got != string(tt.want) {
				t.Fatalf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBodyModifyDecodesResponse(t *testing.T) {
	var compressed bytes.Buffer
	w := brotli.NewWriter(&compressed)
	w.Write([]byte("<title>Old Title</title>"))
	w.Close()

	h, _ := newHandler(t, []*Rule{{
		Name:    "title",
		Filters: []Filter{DomainSuffix("example.com")},
		Actions: []Action{ModifyResponse(ModifyBodyText(RegexReplace(`<title>.*</title>`, "<title>New</title>")))},
	}})
	req := httptest.NewRequest(http.MethodGet, "https://www.example.com/", nil)
	hc := NewHttpContext()
	h.HandleRequest(hc, req)

	upstream := newTestResponse(req, "text/html", compressed.Bytes())
	upstream.Header.Set("Content-Encoding", "br")
	res, err := h.HandleResponse(hc, upstream)
	if err != nil {
		t.Fatal(err)
	}
	if res.Header.Get("Content-Encoding") != "" {
		t.Fatal("content-encoding left on a decoded body")
	}
	body := readAll(t, res.Body)
	if body != "<title>New</title>" {
		t.Fatalf("body = %q", body)
	}
	if res.ContentLength != int64(len(body)) {
		t.Fatalf("content length = %d, want %d", res.ContentLength, len(body))
	}
}

func TestBodyModifyUnsupportedEncoding(t *testing.T) {
	h, _ := newHandler(t, []*Rule{{
		Name:    "body",
		Filters: []Filter{All()},
		Actions: []Action{ModifyResponse(ModifyBodyText(Set("x")))},
	}})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	hc := NewHttpContext()
	h.HandleRequest(hc, req)

	upstream := newTestResponse(req, "text/html", []byte("data"))
	upstream.Header.Set("Content-Encoding", "compress")
	if _, err := h.HandleResponse(hc, upstream); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestRequestBodyModify(t *testing.T) {
	h, _ := newHandler(t, []*Rule{{
		Name:    "form",
		Filters: []Filter{All()},
		Actions: []Action{ModifyRequest(ModifyBodyText(Replace("guest", "admin")))},
	}})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/login", strings.NewReader("user=guest"))
	req.Header.Set("Content-Type", "text/plain")
	out, res := h.HandleRequest(NewHttpContext(), req)
	if res != nil {
		t.Fatalf("unexpected response %d", res.StatusCode)
	}
	if body := readAll(t, out.Body); body != "user=admin" {
		t.Fatalf("body = %q", body)
	}
	if out.ContentLength != int64(len("user=admin")) {
		t.Fatalf("content length = %d", out.ContentLength)
	}

	bad := httptest.NewRequest(http.MethodPost, "http://example.com/login", bytes.NewReader([]byte{0xff, 0xfe}))
	bad.Header.Set("Content-Type", "text/plain")
	_, res = h.HandleRequest(NewHttpContext(), bad)
	if res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatal("expected a bad request response for a non utf-8 body")
	}
}

func TestBodyModifyTooLarge(t *testing.T) {
	h, hook := newHandler(t, []*Rule{{
		Name:    "body",
		Filters: []Filter{All()},
		Actions: []Action{ModifyResponse(ModifyBodyText(Set("x")))},
	}}, WithMaxBodySize(4))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	hc := NewHttpContext()
	h.HandleRequest(hc, req)
	res, err := h.HandleResponse(hc, newTestResponse(req, "text/plain", []byte("0123456789")))
	if err != nil {
		t.Fatal(err)
	}
	if body := readAll(t, res.Body); body != "0123456789" {
		t.Fatalf("body = %q", body)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Fatal("expected a warning for the oversized body")
	}
}

func TestRedirect(t *testing.T) {
	tests := []struct {
		name     string
		filters  []Filter
		target   string
		uri      string
		location string
	}{
		{
			name:     "back reference",
			filters:  []Filter{URLRegex(`^http://old\.com/(.*)$`)},
			target:   "http://new.com/$1",
			uri:      "http://old.com/path123",
			location: "http://new.com/path123",
		},
		{
			name:     "literal",
			filters:  []Filter{Domain("old.com")},
			target:   "https://new.com/",
			uri:      "http://old.com/anything",
			location: "https://new.com/",
		},
		{
			name:     "dollar without regex filter",
			filters:  []Filter{Domain("old.com")},
			target:   "https://new.com/?price=$5",
			uri:      "http://old.com/",
			location: "https://new.com/?price=$5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t, []*Rule{{Name: "r", Filters: tt.filters, Actions: []Action{Redirect(tt.target)}}})
			req := httptest.NewRequest(http.MethodGet, tt.uri, nil)
			_, res := h.HandleRequest(NewHttpContext(), req)
			if res == nil {
				t.Fatal("expected a redirect")
			}
			if res.StatusCode != http.StatusFound {
				t.Fatalf("status = %d", res.StatusCode)
			}
			if loc := res.Header.Get("Location"); loc != tt.location {
				t.Fatalf("location = %q, want %q", loc, tt.location)
			}
		})
	}
}

func TestRedirectUnresolvedTemplateSkipped(t *testing.T) {
	h, hook := newHandler(t, []*Rule{{
		Name: "r",
		Filters: []Filter{
			DomainSuffix("old.com"),
			URLRegex(`^http://nomatch\.com/(.*)$`),
		},
		Actions: []Action{
			Redirect("http://new.com/$1"),
			ModifyRequest(ModifyHeaderValue("X-After", Set("yes"))),
		},
	}})
	req := httptest.NewRequest(http.MethodGet, "http://old.com/path", nil)
	out, res := h.HandleRequest(NewHttpContext(), req)
	if res != nil {
		t.Fatalf("unexpected response %d", res.StatusCode)
	}
	if out.Header.Get("X-After") != "yes" {
		t.Fatal("pipeline did not continue after the skipped redirect")
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "[Redirect]") {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a warning for the skipped redirect")
	}
}

func TestNewHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		rule *Rule
	}{
		{"no filters", &Rule{Name: "x", Actions: []Action{Reject()}}},
		{"no actions", &Rule{Name: "x", Filters: []Filter{All()}}},
		{"bad regex", &Rule{Name: "x", Filters: []Filter{URLRegex("(")}, Actions: []Action{Reject()}}},
		{"bad redirect", &Rule{Name: "x", Filters: []Filter{All()}, Actions: []Action{Redirect("http://a\r\nb")}}},
		{"bad header name", &Rule{Name: "x", Filters: []Filter{All()}, Actions: []Action{ModifyRequest(ModifyHeaderValue("bad header", Set("v")))}}},
		{"missing modify", &Rule{Name: "x", Filters: []Filter{All()}, Actions: []Action{{Kind: ActionModifyRequest}}}},
		{"empty script", &Rule{Name: "x", Filters: []Filter{All()}, Actions: []Action{Script("  ")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := &Rule{Name: "ok", Filters: []Filter{All()}, Actions: []Action{LogReq()}}
			h, err := NewHandler([]*Rule{good, tt.rule})
			if err == nil {
				h.Stop()
				t.Fatal("expected a validation error")
			}
			if h != nil {
				t.Fatal("handler returned alongside an error")
			}
		})
	}
}

func TestMITMPatterns(t *testing.T) {
	h, _ := newHandler(t, []*Rule{
		{Name: "a", Filters: []Filter{DomainSuffix("Example.com"), URLRegex(".*")}, Actions: []Action{LogReq()}, MITMList: []string{"*.api.io"}},
		{Name: "b", Filters: []Filter{DomainSuffix("example.com"), DomainKeyword("google")}, Actions: []Action{LogReq()}},
	})
	got := h.MITMPatterns()
	want := []string{"*.api.io", "*example.com", "*google*"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestResponseOrderFollowsRequestMatch(t *testing.T) {
	h, _ := newHandler(t, []*Rule{
		{Name: "first", Filters: []Filter{All()}, Actions: []Action{ModifyResponse(ModifyHeaderValue("X-Order", Set("1")))}},
		{Name: "skip", Filters: []Filter{Domain("nope.com")}, Actions: []Action{ModifyResponse(ModifyHeaderValue("X-Order", Set("bad")))}},
		{Name: "second", Filters: []Filter{All()}, Actions: []Action{ModifyResponse(ModifyHeaderValue("X-Order", Replace("1", "1,2")))}},
	})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	hc := NewHttpContext()
	h.HandleRequest(hc, req)
	res, err := h.HandleResponse(hc, newTestResponse(req, "", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Header.Values("X-Order"); len(got) != 1 || got[0] != "1,2" {
		t.Fatalf("x-order = %v", got)
	}
}

func TestMatchObserver(t *testing.T) {
	var matched []string
	h, _ := newHandler(t, []*Rule{
		{Name: "a", Filters: []Filter{All(), DomainSuffix(".com")}, Actions: []Action{LogReq()}},
		{Name: "b", Filters: []Filter{Domain("other.org")}, Actions: []Action{LogReq()}},
	}, WithMatchObserver(func(rule string) { matched = append(matched, rule) }))

	h.HandleRequest(NewHttpContext(), httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	if len(matched) != 1 || matched[0] != "a" {
		t.Fatalf("matched = %v", matched)
	}
}

func TestScriptAction(t *testing.T) {
	evaluator := ScriptEvaluatorFunc(func(code string, data map[string]any) (map[string]any, error) {
		if code == "fail" {
			return nil, errors.New("boom")
		}
		if req, ok := data["request"].(map[string]any); ok {
			return map[string]any{
				"headers": map[string]any{"X-Script": req["method"]},
				"url":     strings.Replace(req["url"].(string), "/old", "/new", 1),
				"body":    strings.ToUpper(req["body"].(string)),
			}, nil
		}
		res := data["response"].(map[string]any)
		return map[string]any{"body": "status " + strconv.Itoa(res["status"].(int))}, nil
	})

	h, _ := newHandler(t, []*Rule{{
		Name:    "js",
		Filters: []Filter{All()},
		Actions: []Action{Script("rewrite")},
	}}, WithScriptEvaluator(evaluator))

	req := httptest.NewRequest(http.MethodPost, "http://example.com/old", strings.NewReader("hello"))
	hc := NewHttpContext()
	out, res := h.HandleRequest(hc, req)
	if res != nil {
		t.Fatalf("unexpected response %d", res.StatusCode)
	}
	if out.Header.Get("X-Script") != http.MethodPost {
		t.Fatalf("x-script = %q", out.Header.Get("X-Script"))
	}
	if out.URL.Path != "/new" {
		t.Fatalf("url = %s", out.URL)
	}
	if body := readAll(t, out.Body); body != "HELLO" {
		t.Fatalf("body = %q", body)
	}

	got, err := h.HandleResponse(hc, newTestResponse(out, "text/plain", []byte("ignored")))
	if err != nil {
		t.Fatal(err)
	}
	if body := readAll(t, got.Body); body != "status 200" {
		t.Fatalf("response body = %q", body)
	}
}

func TestScriptActionFailures(t *testing.T) {
	failing := ScriptEvaluatorFunc(func(string, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	tests := []struct {
		name string
		opt  []Option
	}{
		{"no evaluator", nil},
		{"evaluator error", []Option{WithScriptEvaluator(failing)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t, []*Rule{{Name: "js", Filters: []Filter{All()}, Actions: []Action{Script("code")}}}, tt.opt...)
			_, res := h.HandleRequest(NewHttpContext(), httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
			if res == nil || res.StatusCode != http.StatusBadRequest {
				t.Fatal("expected a bad request response")
			}

			hc := &HttpContext{ShouldModifyResponse: true, Rules: h.Rules()}
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			if _, err := h.HandleResponse(hc, newTestResponse(req, "text/plain", nil)); err == nil {
				t.Fatal("expected a response phase error")
			}
		})
	}
}

package rule

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/josexy/goodmitm/decoder"
	"github.com/sirupsen/logrus"
)

var (
	ErrBodyRead     = errors.New("read body")
	ErrBodyNotText  = errors.New("body is not valid utf-8 text")
	errBodyTooLarge = errors.New("body exceeds the buffering limit")
)

type ModifyKind uint8

const (
	ModifyURL ModifyKind = iota
	ModifyHeader
	ModifyCookie
	ModifyBody
)

func (k ModifyKind) String() string {
	switch k {
	case ModifyURL:
		return "url"
	case ModifyHeader:
		return "header"
	case ModifyCookie:
		return "cookie"
	case ModifyBody:
		return "body"
	default:
		return fmt.Sprintf("modify(%d)", uint8(k))
	}
}

// Modify rewrites one part of a message. URL and Body use Text; Header and
// Cookie use Key together with either Value or Remove.
type Modify struct {
	Kind   ModifyKind
	Text   *TextModify
	Key    string
	Value  *TextModify
	Remove bool
}

func ModifyURLText(t *TextModify) *Modify { return &Modify{Kind: ModifyURL, Text: t} }
func ModifyBodyText(t *TextModify) *Modify { return &Modify{Kind: ModifyBody, Text: t} }

func ModifyHeaderValue(key string, value *TextModify) *Modify {
	return &Modify{Kind: ModifyHeader, Key: key, Value: value}
}

func RemoveHeader(key string) *Modify { return &Modify{Kind: ModifyHeader, Key: key, Remove: true} }

func ModifyCookieValue(key string, value *TextModify) *Modify {
	return &Modify{Kind: ModifyCookie, Key: key, Value: value}
}

func RemoveCookie(key string) *Modify { return &Modify{Kind: ModifyCookie, Key: key, Remove: true} }

func (m *Modify) init(rc *RegexCache) error {
	switch m.Kind {
	case ModifyURL, ModifyBody:
		if m.Text == nil {
			return fmt.Errorf("%s modification: missing text", m.Kind)
		}
		return m.Text.init(rc)
	case ModifyHeader, ModifyCookie:
		if m.Key == "" {
			return fmt.Errorf("%s modification: empty key", m.Kind)
		}
		if m.Kind == ModifyHeader && !validHeaderName(m.Key) {
			return fmt.Errorf("%s modification: invalid header name %q", m.Kind, m.Key)
		}
		if m.Value != nil {
			return m.Value.init(rc)
		}
		return nil
	default:
		return fmt.Errorf("unknown modification kind %d", uint8(m.Kind))
	}
}

// modifyRequest returns an error when the body cannot be read or is not text.
func (m *Modify) modifyRequest(req *http.Request, maxBody int64, logger logrus.FieldLogger) (*http.Request, error) {
	switch m.Kind {
	case ModifyURL:
		target := m.Text.Apply(req.URL.String())
		u, err := url.Parse(target)
		if err != nil {
			logger.Errorf("[Modify] invalid rewritten url %q: %v", target, err)
			return req, nil
		}
		req.URL = u
		req.Host = u.Host
	case ModifyHeader:
		m.modifyHeader(req.Header)
	case ModifyCookie:
		cookies := m.applyCookie(req.Cookies())
		setCookieHeader(req.Header, cookies)
	case ModifyBody:
		if !isTextual(req.Header) {
			return req, nil
		}
		data, rest, err := readBody(req.Body, maxBody)
		if errors.Is(err, errBodyTooLarge) {
			logger.Warnf("[Modify] request body larger than %d bytes, passing through", maxBody)
			req.Body = rest
			return req, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
		if !utf8.Valid(data) {
			return nil, ErrBodyNotText
		}
		setRequestBody(req, []byte(m.Text.Apply(string(data))))
	}
	return req, nil
}

// modifyResponse returns an error only when the body cannot be decoded or
// read. A body that is not text is passed through untouched.
func (m *Modify) modifyResponse(res *http.Response, maxBody int64, logger logrus.FieldLogger) (*http.Response, error) {
	switch m.Kind {
	case ModifyURL:
		logger.Warn("[Modify] rewriting the url of a response is not supported")
	case ModifyHeader:
		m.modifyHeader(res.Header)
	case ModifyCookie:
		m.modifyResponseCookies(res)
	case ModifyBody:
		if !isTextual(res.Header) {
			return res, nil
		}
		if err := decoder.DecodeResponse(res); err != nil {
			return nil, err
		}
		data, rest, err := readBody(res.Body, maxBody)
		if errors.Is(err, errBodyTooLarge) {
			logger.Warnf("[Modify] response body larger than %d bytes, passing through", maxBody)
			res.Body = rest
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
		if !utf8.Valid(data) {
			setResponseBody(res, data)
			return res, nil
		}
		setResponseBody(res, []byte(m.Text.Apply(string(data))))
	}
	return res, nil
}

func (m *Modify) modifyHeader(h http.Header) {
	if m.Remove {
		h.Del(m.Key)
		return
	}
	if m.Value == nil {
		return
	}
	if values := h.Values(m.Key); len(values) > 0 {
		h.Set(m.Key, m.Value.Apply(values[0]))
		return
	}
	h.Add(m.Key, m.Value.Apply(""))
}

// applyCookie removes or upserts the named cookie, keeping the order of the
// others. An upserted cookie keeps the attributes it already had.
func (m *Modify) applyCookie(cookies []*http.Cookie) []*http.Cookie {
	idx := -1
	for i, c := range cookies {
		if c.Name == m.Key {
			idx = i
			break
		}
	}
	if m.Remove {
		if idx < 0 {
			return cookies
		}
		return append(cookies[:idx], cookies[idx+1:]...)
	}
	var current string
	if idx >= 0 {
		current = cookies[idx].Value
	}
	var value string
	if m.Value != nil {
		value = m.Value.Apply(current)
	}
	if idx >= 0 {
		cookies[idx].Value = value
		return cookies
	}
	return append(cookies, &http.Cookie{Name: m.Key, Value: value})
}

func (m *Modify) modifyResponseCookies(res *http.Response) {
	cookies := (&http.Request{Header: http.Header{"Cookie": res.Header.Values("Cookie")}}).Cookies()
	setCookies := res.Cookies()

	if !m.Remove && m.Value != nil {
		// Both sets receive the same value, computed from whichever holds
		// the cookie first.
		current := ""
		if c := findCookie(cookies, m.Key); c != nil {
			current = c.Value
		} else if c := findCookie(setCookies, m.Key); c != nil {
			current = c.Value
		}
		value := m.Value.Apply(current)
		m = &Modify{Kind: ModifyCookie, Key: m.Key, Value: Set(value)}
	}
	cookies = m.applyCookie(cookies)
	setCookies = m.applyCookie(setCookies)

	setCookieHeader(res.Header, cookies)
	res.Header.Del("Set-Cookie")
	for _, c := range setCookies {
		if v := c.String(); v != "" {
			res.Header.Add("Set-Cookie", v)
		}
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func setCookieHeader(h http.Header, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		h.Del("Cookie")
		return
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, (&http.Cookie{Name: c.Name, Value: c.Value, Quoted: c.Quoted}).String())
	}
	h.Set("Cookie", strings.Join(pairs, "; "))
}

func isTextual(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.Contains(ct, "text") || strings.Contains(ct, "javascript")
}

type readCloser struct {
	io.Reader
	io.Closer
}

// readBody buffers at most limit bytes of body. When the body is larger it
// returns errBodyTooLarge along with a reader replaying the whole body.
func readBody(body io.ReadCloser, limit int64) ([]byte, io.ReadCloser, error) {
	if body == nil || body == http.NoBody {
		return nil, nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		body.Close()
		return nil, nil, err
	}
	if int64(len(data)) > limit {
		return nil, readCloser{io.MultiReader(bytes.NewReader(data), body), body}, errBodyTooLarge
	}
	body.Close()
	return data, nil, nil
}

func setRequestBody(req *http.Request, data []byte) {
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Header.Del("Content-Length")
}

func setResponseBody(res *http.Response, data []byte) {
	res.Body = io.NopCloser(bytes.NewReader(data))
	res.ContentLength = int64(len(data))
	res.Header.Set("Content-Length", strconv.Itoa(len(data)))
}

package rule

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

type ActionKind uint8

const (
	ActionReject ActionKind = iota
	ActionRedirect
	ActionModifyRequest
	ActionModifyResponse
	ActionLogReq
	ActionLogRes
	ActionScript
)

func (k ActionKind) String() string {
	switch k {
	case ActionReject:
		return "reject"
	case ActionRedirect:
		return "redirect"
	case ActionModifyRequest:
		return "modify-request"
	case ActionModifyResponse:
		return "modify-response"
	case ActionLogReq:
		return "log-req"
	case ActionLogRes:
		return "log-res"
	case ActionScript:
		return "js"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is one step of a rule's pipeline. Target is used by redirects,
// Modify by the modify kinds and Code by scripted actions.
type Action struct {
	Kind   ActionKind
	Target string
	Modify *Modify
	Code   string
}

func Reject() Action { return Action{Kind: ActionReject} }
func Redirect(target string) Action { return Action{Kind: ActionRedirect, Target: target} }
func ModifyRequest(m *Modify) Action {
	return Action{Kind: ActionModifyRequest, Modify: m}
}
func ModifyResponse(m *Modify) Action {
	return Action{Kind: ActionModifyResponse, Modify: m}
}
func LogReq() Action { return Action{Kind: ActionLogReq} }
func LogRes() Action { return Action{Kind: ActionLogRes} }
func Script(code string) Action { return Action{Kind: ActionScript, Code: code} }

func (a *Action) init(rc *RegexCache) error {
	switch a.Kind {
	case ActionReject, ActionLogReq, ActionLogRes:
		return nil
	case ActionRedirect:
		if a.Target == "" {
			return errors.New("redirect: empty target")
		}
		if !httpguts.ValidHeaderFieldValue(a.Target) {
			return fmt.Errorf("redirect: target %q is not a valid header value", a.Target)
		}
		return nil
	case ActionModifyRequest, ActionModifyResponse:
		if a.Modify == nil {
			return fmt.Errorf("%s: missing modification", a.Kind)
		}
		if err := a.Modify.init(rc); err != nil {
			return fmt.Errorf("%s: %w", a.Kind, err)
		}
		return nil
	case ActionScript:
		if strings.TrimSpace(a.Code) == "" {
			return errors.New("js: empty code")
		}
		return nil
	default:
		return fmt.Errorf("unknown action kind %d", uint8(a.Kind))
	}
}

// requestPhase reports whether the action runs before the upstream round trip.
func (a *Action) requestPhase() bool {
	switch a.Kind {
	case ActionReject, ActionRedirect, ActionModifyRequest, ActionLogReq, ActionScript:
		return true
	}
	return false
}

// responsePhase reports whether the action runs on the upstream response.
func (a *Action) responsePhase() bool {
	switch a.Kind {
	case ActionModifyResponse, ActionLogRes, ActionScript:
		return true
	}
	return false
}

func validHeaderName(name string) bool { return httpguts.ValidHeaderFieldName(name) }

// NewResponse builds a response for req that never reaches the upstream.
func NewResponse(req *http.Request, code int, body string) *http.Response {
	res := &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if body != "" {
		res.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return res
}

package rule

import (
	"context"

	"github.com/google/uuid"
)

// HttpContext carries the state of one exchange from the request phase to
// the response phase. It is not safe for concurrent use.
type HttpContext struct {
	ID                   string
	URI                  string
	ShouldModifyResponse bool
	// Rules lists the matched rules in the order their request pipelines ran.
	Rules []*Rule
}

// NewHttpContext returns a context with a fresh exchange id.
func NewHttpContext() *HttpContext {
	return &HttpContext{ID: uuid.NewString()}
}

type httpContextKey struct{}

func WithHttpContext(ctx context.Context, hc *HttpContext) context.Context {
	return context.WithValue(ctx, httpContextKey{}, hc)
}

func HttpContextFrom(ctx context.Context) (*HttpContext, bool) {
	hc, ok := ctx.Value(httpContextKey{}).(*HttpContext)
	return hc, ok
}

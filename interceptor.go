package goodmitm

import (
	"context"
	"fmt"
	"net/http"
)

type (
	// HTTPDelegatedInvoker sends a request to the next interceptor, or
	// upstream for the last one.
	HTTPDelegatedInvoker interface {
		Invoke(request *http.Request) (*http.Response, error)
	}

	HTTPDelegatedInvokerFunc func(*http.Request) (*http.Response, error)

	// HTTPInterceptor observes or replaces the upstream round trip of an
	// exchange. It runs after the request rules and before the response rules.
	HTTPInterceptor func(ctx context.Context, req *http.Request, invoker HTTPDelegatedInvoker) (*http.Response, error)
)

func (f HTTPDelegatedInvokerFunc) Invoke(r *http.Request) (*http.Response, error) { return f(r) }

// chainHTTPInterceptors composes interceptors so that the first one is the
// outermost.
func chainHTTPInterceptors(interceptors []HTTPInterceptor) HTTPInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	return func(ctx context.Context, req *http.Request, invoker HTTPDelegatedInvoker) (*http.Response, error) {
		return interceptors[0](ctx, req, nextInvoker(ctx, interceptors, 0, invoker))
	}
}

func nextInvoker(ctx context.Context, interceptors []HTTPInterceptor, curr int, final HTTPDelegatedInvoker) HTTPDelegatedInvoker {
	if curr == len(interceptors)-1 {
		return final
	}
	return HTTPDelegatedInvokerFunc(func(req *http.Request) (*http.Response, error) {
		return interceptors[curr+1](ctx, req, nextInvoker(ctx, interceptors, curr+1, final))
	})
}

// protect turns a panicking interceptor into an error.
func protect(ic HTTPInterceptor) HTTPInterceptor {
	return func(ctx context.Context, req *http.Request, invoker HTTPDelegatedInvoker) (res *http.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				res, err = nil, fmt.Errorf("http interceptor panic: %v", r)
			}
		}()
		return ic(ctx, req, invoker)
	}
}

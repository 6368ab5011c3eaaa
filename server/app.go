package server

import "context"

// Application handles every request that has no static route.
//
// HandleOneRequest returns a complete HTTP response text (status line, header
// lines, blank line, body), which is written to the client unchanged. It is
// called concurrently from every worker.
type Application interface {
	HandleOneRequest(ctx context.Context, req *Request) (string, error)
}

// AppFunc adapts a function to Application.
type AppFunc func(ctx context.Context, req *Request) (string, error)

func (f AppFunc) HandleOneRequest(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

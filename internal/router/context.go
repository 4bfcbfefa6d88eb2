package router

import (
	"context"
	"net/http"
)

type paramsKey struct{}

// WithParams stores captured params on the request context.
func WithParams(r *http.Request, params Params) *http.Request {
	if len(params) == 0 {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), paramsKey{}, params))
}

// ParamsFromContext returns the params captured by the router, or nil.
func ParamsFromContext(ctx context.Context) Params {
	p, _ := ctx.Value(paramsKey{}).(Params)
	return p
}

// Param returns a single captured parameter value.
func Param(r *http.Request, name string) string {
	return ParamsFromContext(r.Context())[name]
}

package server

import (
	"context"
	"net/http"
	"sync"
)

// AttrKey identifies one request attribute. Keys registered through
// RegisterAttr carry a type check applied on writes; unregistered keys are
// allowed but untyped.
type AttrKey string

type attrRegistry struct {
	mu    sync.RWMutex
	check map[AttrKey]func(any) bool
}

var registry = attrRegistry{check: make(map[AttrKey]func(any) bool)}

// RegisterAttr registers a typed attribute key. Values stored under the key
// must satisfy the declared type.
func RegisterAttr[T any](key AttrKey) AttrKey {
	registry.mu.Lock()
	registry.check[key] = func(v any) bool {
		_, ok := v.(T)
		return ok
	}
	registry.mu.Unlock()
	return key
}

type attrBagKey struct{}

// attrBag is the per-request attribute store. It lives in the request
// context and is shared by all pipeline stages of one request.
type attrBag struct {
	mu     sync.RWMutex
	values map[AttrKey]any
}

// WithAttributes attaches a fresh attribute bag to the request.
func WithAttributes(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), attrBagKey{}, &attrBag{
		values: make(map[AttrKey]any),
	}))
}

// SetAttr stores a value on the request. It reports false when the request
// has no bag or the value fails the key's registered type check.
func SetAttr(r *http.Request, key AttrKey, value any) bool {
	bag, ok := r.Context().Value(attrBagKey{}).(*attrBag)
	if !ok {
		return false
	}
	registry.mu.RLock()
	check, registered := registry.check[key]
	registry.mu.RUnlock()
	if registered && !check(value) {
		return false
	}
	bag.mu.Lock()
	bag.values[key] = value
	bag.mu.Unlock()
	return true
}

// Attr reads a value stored on the request.
func Attr(r *http.Request, key AttrKey) (any, bool) {
	bag, ok := r.Context().Value(attrBagKey{}).(*attrBag)
	if !ok {
		return nil, false
	}
	bag.mu.RLock()
	defer bag.mu.RUnlock()
	v, ok := bag.values[key]
	return v, ok
}

package sanitize

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/router"
	"github.com/tidwall/gjson"
)

// maxBodyScan bounds how much of a request body the sanitizer will buffer.
const maxBodyScan = 10 << 20

// Handler neutralizes NoSQL operator injection: keys starting with "$" or
// containing "." are rewritten with the configured replacement character, in
// JSON bodies, query strings, and captured route parameters alike.
type Handler struct {
	enabled     bool
	replacement string
}

// New creates a sanitizer from config.
func New(cfg config.SanitizeConfig) *Handler {
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "_"
	}
	return &Handler{
		enabled:     cfg.Enabled,
		replacement: replacement,
	}
}

// offendingKey reports whether a JSON object key carries operator syntax.
func offendingKey(key string) bool {
	return strings.HasPrefix(key, "$") || strings.Contains(key, ".")
}

func (h *Handler) cleanKey(key string) string {
	if strings.HasPrefix(key, "$") {
		key = h.replacement + key[1:]
	}
	return strings.ReplaceAll(key, ".", h.replacement)
}

// hasOffendingKeys walks the parsed JSON without rebuilding it; bodies
// without operators take this cheap path only.
func hasOffendingKeys(v gjson.Result) bool {
	found := false
	v.ForEach(func(key, value gjson.Result) bool {
		if v.IsObject() && offendingKey(key.String()) {
			found = true
			return false
		}
		if value.IsObject() || value.IsArray() {
			if hasOffendingKeys(value) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// rewrite rebuilds the decoded value with sanitized keys.
func (h *Handler) rewrite(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if offendingKey(k) {
				k = h.cleanKey(k)
			}
			out[k] = h.rewrite(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = h.rewrite(val)
		}
		return t
	default:
		return v
	}
}

// Body sanitizes a JSON document, returning the original bytes when nothing
// needed rewriting.
func (h *Handler) Body(body []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() && !parsed.IsArray() {
		return body, nil
	}
	if !hasOffendingKeys(parsed) {
		return body, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(h.rewrite(decoded))
}

// Query rewrites operator syntax in query keys. It reports whether anything
// changed so untouched queries keep their original encoding.
func (h *Handler) Query(values url.Values) (url.Values, bool) {
	changed := false
	out := make(url.Values, len(values))
	for k, vs := range values {
		if offendingKey(k) {
			k = h.cleanKey(k)
			changed = true
		}
		out[k] = vs
	}
	if !changed {
		return values, false
	}
	return out, true
}

// Params rewrites operator syntax in captured route parameter names.
func (h *Handler) Params(params router.Params) {
	for k, v := range params {
		if offendingKey(k) {
			delete(params, k)
			params[h.cleanKey(k)] = v
		}
	}
}

// Middleware sanitizes the query string, route parameters, and JSON request
// body in place.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.enabled {
				next.ServeHTTP(w, r)
				return
			}

			if r.URL.RawQuery != "" {
				if cleaned, changed := h.Query(r.URL.Query()); changed {
					r.URL.RawQuery = cleaned.Encode()
				}
			}
			if params := router.ParamsFromContext(r.Context()); len(params) > 0 {
				h.Params(params)
			}

			if r.Body == nil || !isJSONRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyScan+1))
			r.Body.Close()
			if err != nil {
				errors.ErrBadRequest.WithDetails("unreadable request body").WriteJSON(w)
				return
			}
			if len(body) > maxBodyScan {
				errors.ErrRequestEntityTooLarge.WriteJSON(w)
				return
			}

			clean, err := h.Body(body)
			if err != nil {
				errors.ErrBadRequest.WithDetails("malformed JSON body").WriteJSON(w)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(clean))
			r.ContentLength = int64(len(clean))
			next.ServeHTTP(w, r)
		})
	}
}

func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/json")
}

package filter

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Mode values for a content filter.
const (
	ModeBlock    = "block"
	ModeSanitize = "sanitize"
)

const maxBodyScan = 10 << 20

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b[^>]*>`),
	regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*["']`),
	regexp.MustCompile(`(?i)<\s*iframe\b`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b[\s(]+\bselect\b`),
	regexp.MustCompile(`(?i)\b(select|insert|update|delete)\b\s[\s\S]*\b(from|into|where|table)\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`),
	regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|shutdown)\b`),
	regexp.MustCompile(`(?i)\bexec(\s|\()+(s|x)p\w+`),
}

type ruleSet struct {
	name     string
	enabled  bool
	mode     string
	replaced string
	patterns []*regexp.Regexp
}

func newRuleSet(name string, cfg config.FilterConfig, patterns []*regexp.Regexp) *ruleSet {
	mode := cfg.Mode
	if mode != ModeSanitize {
		mode = ModeBlock
	}
	return &ruleSet{
		name:     name,
		enabled:  cfg.Enabled,
		mode:     mode,
		replaced: cfg.Replaced,
		patterns: patterns,
	}
}

func (rs *ruleSet) matches(value string) bool {
	for _, re := range rs.patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func (rs *ruleSet) clean(value string) string {
	for _, re := range rs.patterns {
		value = re.ReplaceAllString(value, rs.replaced)
	}
	return value
}

// Handler scans query parameters and JSON body strings for XSS and SQL
// injection payloads. In block mode a hit fails the request with 400 naming
// the offending locations; in sanitize mode matches are rewritten in place.
type Handler struct {
	rules []*ruleSet
}

// New creates a content filter from the XSS and SQL injection configs.
func New(xss, sql config.FilterConfig) *Handler {
	return &Handler{
		rules: []*ruleSet{
			newRuleSet("xss", xss, xssPatterns),
			newRuleSet("sql_injection", sql, sqlPatterns),
		},
	}
}

// Enabled reports whether any rule set is active.
func (h *Handler) Enabled() bool {
	for _, rs := range h.rules {
		if rs.enabled {
			return true
		}
	}
	return false
}

// scanValue returns the rule sets matching a value.
func (h *Handler) scanValue(value string) []*ruleSet {
	var hits []*ruleSet
	for _, rs := range h.rules {
		if rs.enabled && rs.matches(value) {
			hits = append(hits, rs)
		}
	}
	return hits
}

// collectBodyHits walks string leaves of a JSON document.
func (h *Handler) collectBodyHits(v gjson.Result, prefix string, hits *[]string) {
	v.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		switch {
		case value.IsObject() || value.IsArray():
			h.collectBodyHits(value, path, hits)
		case value.Type == gjson.String:
			if len(h.scanValue(value.String())) > 0 {
				*hits = append(*hits, path)
			}
		}
		return true
	})
}

func (h *Handler) sanitizeString(value string) string {
	for _, rs := range h.rules {
		if rs.enabled {
			value = rs.clean(value)
		}
	}
	return value
}

// blockMode reports whether any enabled rule blocks rather than sanitizes.
func (h *Handler) blockMode() bool {
	for _, rs := range h.rules {
		if rs.enabled && rs.mode == ModeBlock {
			return true
		}
	}
	return false
}

// Middleware applies the filter to query parameters and JSON bodies.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			var offending []string

			query := r.URL.Query()
			queryChanged := false
			for name, vs := range query {
				for i, v := range vs {
					if len(h.scanValue(v)) == 0 {
						continue
					}
					offending = append(offending, "query."+name)
					if !h.blockMode() {
						vs[i] = h.sanitizeString(v)
						queryChanged = true
					}
				}
			}
			if queryChanged {
				r.URL.RawQuery = query.Encode()
			}

			var body []byte
			var bodyHits []string
			if r.Body != nil && isJSONRequest(r) {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyScan+1))
				r.Body.Close()
				if err != nil || len(body) > maxBodyScan {
					errors.ErrRequestEntityTooLarge.WriteJSON(w)
					return
				}

				parsed := gjson.ParseBytes(body)
				if parsed.IsObject() || parsed.IsArray() {
					h.collectBodyHits(parsed, "", &bodyHits)
				}
				for _, p := range bodyHits {
					offending = append(offending, "body."+p)
				}
			}

			if len(offending) > 0 && h.blockMode() {
				logging.Warn("Malicious content blocked",
					zap.String("path", r.URL.Path),
					zap.Strings("locations", offending),
				)
				errors.ErrBadRequest.
					WithDetails("malicious content detected at " + strings.Join(offending, ", ")).
					WriteJSON(w)
				return
			}

			if len(bodyHits) > 0 {
				parsed := gjson.ParseBytes(body)
				for _, p := range bodyHits {
					cleaned := h.sanitizeString(parsed.Get(p).String())
					if out, err := sjson.SetBytes(body, p, cleaned); err == nil {
						body = out
					}
				}
			}
			if body != nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
				r.ContentLength = int64(len(body))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isJSONRequest(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
)

// TokenPath is where clients exchange for a fresh token.
const TokenPath = "/csrf-token"

var safeMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"TRACE":   true,
}

// Handler implements double-submit cookie CSRF protection. Tokens are
// HMAC-signed with an expiry; state-changing requests must present the same
// valid token in both the cookie and the header (or form field). The cookie
// is HttpOnly, so clients obtain the token through the exchange endpoint.
type Handler struct {
	enabled    bool
	secret     []byte
	cookieName string
	headerName string
	fieldName  string
	tokenTTL   time.Duration
	secure     bool
}

// New creates a CSRF handler from config. An empty secret gets a random one,
// which invalidates outstanding tokens on restart.
func New(cfg config.CSRFConfig, production bool) *Handler {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}

	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = "__Host-csrf-token"
	}
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "X-CSRF-Token"
	}
	fieldName := cfg.FieldName
	if fieldName == "" {
		fieldName = "_csrf"
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Handler{
		enabled:    cfg.Enabled,
		secret:     secret,
		cookieName: cookieName,
		headerName: headerName,
		fieldName:  fieldName,
		tokenTTL:   ttl,
		secure:     production || strings.HasPrefix(cookieName, "__Host-"),
	}
}

// Enabled reports whether CSRF protection is active.
func (h *Handler) Enabled() bool {
	return h.enabled
}

// GenerateToken creates a signed token: base64(timestamp.nonce.hmac-hex).
func (h *Handler) GenerateToken() string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := make([]byte, 16)
	rand.Read(nonce)
	payload := ts + "." + hex.EncodeToString(nonce)

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	return base64.RawURLEncoding.EncodeToString([]byte(payload + "." + sig))
}

// ValidateToken verifies signature and expiry.
func (h *Handler) ValidateToken(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}

	parts := strings.SplitN(string(raw), ".", 3)
	if len(parts) != 3 {
		return false
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(ts, 0)) > h.tokenTTL {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(parts[2]), []byte(expected))
}

// setTokenCookie writes a fresh token cookie and returns the token.
func (h *Handler) setTokenCookie(w http.ResponseWriter) string {
	token := h.GenerateToken()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		Secure:   h.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(h.tokenTTL.Seconds()),
	})
	return token
}

// TokenHandler serves the token exchange endpoint: a JSON body carrying the
// token, with the matching cookie set.
func (h *Handler) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.setTokenCookie(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
}

// requestToken finds the client-echoed token in header or form field.
func (h *Handler) requestToken(r *http.Request) string {
	if token := r.Header.Get(h.headerName); token != "" {
		return token
	}
	return r.PostFormValue(h.fieldName)
}

// Middleware enforces double-submit validation on state-changing methods and
// refreshes the cookie on safe ones.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.enabled {
				next.ServeHTTP(w, r)
				return
			}

			if safeMethods[r.Method] {
				if _, err := r.Cookie(h.cookieName); err != nil {
					h.setTokenCookie(w)
				}
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(h.cookieName)
			if err != nil || cookie.Value == "" {
				errors.ErrForbidden.WithDetails("CSRF token missing").WriteJSON(w)
				return
			}

			echoed := h.requestToken(r)
			if echoed == "" {
				errors.ErrForbidden.WithDetails("CSRF token missing in header or form").WriteJSON(w)
				return
			}
			if subtleNeq(cookie.Value, echoed) {
				errors.ErrForbidden.WithDetails("CSRF token mismatch").WriteJSON(w)
				return
			}
			if !h.ValidateToken(cookie.Value) {
				errors.ErrForbidden.WithDetails("CSRF token invalid or expired").WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func subtleNeq(a, b string) bool {
	return !hmac.Equal([]byte(a), []byte(b))
}

package security

import (
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/accesslog"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/compression"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/cors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/csrf"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/filter"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/hpp"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/ratelimit"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/sanitize"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/securityheaders"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/slowdown"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stack holds the compiled security stages. Stage order is fixed: stages that
// negotiate or decorate run before stages that may reject, and CSRF runs last
// so rejected requests never consume a token check.
type Stack struct {
	Compressor *compression.Compressor
	Headers    *securityheaders.Handler
	CORS       *cors.Handler
	Limiter    *ratelimit.Limiter
	HPP        *hpp.Handler
	Sanitizer  *sanitize.Handler
	AccessLog  *accesslog.Logger
	SlowDown   *slowdown.Handler
	Filter     *filter.Handler
	CSRF       *csrf.Handler
}

// Build compiles the security stack from config. A non-nil Redis client moves
// rate-limit counting to the shared store.
func Build(cfg *config.Config, redisClient redis.UniversalClient) *Stack {
	sec := cfg.Security

	if sec.RateLimit.Max == 0 {
		sec.RateLimit.Max = config.RateLimitMaxForLevel(sec.Level)
	}

	var store ratelimit.Store
	if sec.RateLimit.Store == "redis" && redisClient != nil {
		store = ratelimit.NewRedisStore(redisClient, cfg.Redis.Prefix, sec.RateLimit.Window)
	} else {
		store = ratelimit.NewMemoryStore(sec.RateLimit.Window)
	}

	s := &Stack{
		Compressor: compression.New(sec.Compression),
		Headers:    securityheaders.New(sec.Helmet),
		CORS:       cors.New(sec.CORS),
		Limiter:    ratelimit.New(sec.RateLimit, store, cfg.Server.TrustProxy),
		HPP:        hpp.New(sec.HPP),
		Sanitizer:  sanitize.New(sec.MongoSanitize),
		AccessLog:  accesslog.New(sec.AccessLog, cfg.Server.TrustProxy),
		SlowDown:   slowdown.New(sec.SlowDown, cfg.Server.TrustProxy),
		Filter:     filter.New(sec.XSS, sec.SQLInjection),
		CSRF:       csrf.New(sec.CSRF, cfg.IsProduction()),
	}

	logging.Info("Security stack compiled",
		zap.String("level", sec.Level),
		zap.Int("rate_limit_max", sec.RateLimit.Max),
		zap.String("rate_limit_store", sec.RateLimit.Store),
	)
	return s
}

// Middlewares returns the stages in execution order.
func (s *Stack) Middlewares() []middleware.Middleware {
	return []middleware.Middleware{
		s.Compressor.Middleware(),
		s.Headers.Middleware(),
		s.CORS.Middleware(),
		s.Limiter.Middleware(),
		s.HPP.Middleware(),
		s.Sanitizer.Middleware(),
		s.AccessLog.Middleware(),
		s.SlowDown.Middleware(),
		s.Filter.Middleware(),
		s.CSRF.Middleware(),
	}
}

// Close releases stage resources.
func (s *Stack) Close() error {
	s.Limiter.Close()
	return s.AccessLog.Close()
}

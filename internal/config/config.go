package config

import (
	"runtime"
	"time"
)

// Config is the merged server configuration. It is built once at startup
// (defaults + file + environment overrides) and treated as an immutable
// snapshot afterwards; hot updates replace the whole snapshot.
type Config struct {
	Env               string                  `yaml:"env"` // development | production | test
	Server            ServerConfig            `yaml:"server"`
	Security          SecurityConfig          `yaml:"security"`
	Cache             CacheConfig             `yaml:"cache"`
	Cluster           ClusterConfig           `yaml:"cluster"`
	RequestManagement RequestManagementConfig `yaml:"request_management"`
	MultiServer       MultiServerConfig       `yaml:"multi_server"`
	NotFound          NotFoundConfig          `yaml:"not_found"`
	Logging           LoggingConfig           `yaml:"logging"`
	Redis             RedisConfig             `yaml:"redis"`
	Metrics           MetricsConfig           `yaml:"metrics"`
}

// ServerConfig defines the primary HTTP server settings.
type ServerConfig struct {
	Host            string               `yaml:"host"`
	Port            int                  `yaml:"port"`
	TrustProxy      bool                 `yaml:"trust_proxy"`
	AutoParseJSON   bool                 `yaml:"auto_parse_json"`
	AutoPortSwitch  AutoPortSwitchConfig `yaml:"auto_port_switch"`
	JSONLimit       int64                `yaml:"json_limit"`        // bytes
	URLEncodedLimit int64                `yaml:"url_encoded_limit"` // bytes
	HTTP2           bool                 `yaml:"http2"`
	ReadTimeout     time.Duration        `yaml:"read_timeout"`
	WriteTimeout    time.Duration        `yaml:"write_timeout"`
}

// AutoPortSwitchConfig controls automatic port acquisition fallback.
type AutoPortSwitchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	Strategy    string `yaml:"strategy"` // "increment" | "random"
	PortRange   [2]int `yaml:"port_range"`
}

// SecurityConfig configures the ordered security middleware stack.
type SecurityConfig struct {
	Enabled       bool                  `yaml:"enabled"`
	Level         string                `yaml:"level"` // basic | enhanced | maximum
	CSRF          CSRFConfig            `yaml:"csrf"`
	Helmet        SecurityHeadersConfig `yaml:"helmet"`
	XSS           FilterConfig          `yaml:"xss"`
	SQLInjection  FilterConfig          `yaml:"sql_injection"`
	CORS          CORSConfig            `yaml:"cors"`
	Compression   CompressionConfig     `yaml:"compression"`
	HPP           HPPConfig             `yaml:"hpp"`
	MongoSanitize SanitizeConfig        `yaml:"mongo_sanitize"`
	AccessLog     AccessLogConfig       `yaml:"access_log"`
	SlowDown      SlowDownConfig        `yaml:"slow_down"`
	RateLimit     RateLimitConfig       `yaml:"rate_limit"`
}

// CSRFConfig configures double-submit CSRF protection.
type CSRFConfig struct {
	Enabled    bool          `yaml:"enabled"`
	CookieName string        `yaml:"cookie_name"`
	HeaderName string        `yaml:"header_name"`
	FieldName  string        `yaml:"field_name"`
	Secret     string        `yaml:"secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// SecurityHeadersConfig configures the helmet-style response headers.
type SecurityHeadersConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	XContentTypeOptions     string `yaml:"x_content_type_options"`
	XFrameOptions           string `yaml:"x_frame_options"`
	StrictTransportSecurity string `yaml:"strict_transport_security"`
	ReferrerPolicy          string `yaml:"referrer_policy"`
	PermissionsPolicy       string `yaml:"permissions_policy"`
	ContentSecurityPolicy   string `yaml:"content_security_policy"`
}

// FilterConfig configures a request content filter (XSS / SQL injection).
type FilterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // "block" | "sanitize"
	Replaced string `yaml:"replaced"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Origins          []string `yaml:"origins"`
	Methods          []string `yaml:"methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	Credentials      bool     `yaml:"credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// CompressionConfig configures response compression.
type CompressionConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Level      int      `yaml:"level"`
	Threshold  int      `yaml:"threshold"` // minimum body bytes before compressing
	Algorithms []string `yaml:"algorithms"`
}

// HPPConfig configures HTTP parameter pollution guarding.
type HPPConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Whitelist []string `yaml:"whitelist"`
}

// SanitizeConfig configures NoSQL operator sanitization.
type SanitizeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Replacement string `yaml:"replacement"`
}

// AccessLogConfig configures per-request access logging.
type AccessLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	File       string `yaml:"file"` // empty = zap global logger
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SlowDownConfig configures progressive delay after a per-IP threshold.
type SlowDownConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	DelayAfter int           `yaml:"delay_after"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// RateLimitConfig configures sliding-window rate limiting.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Window      time.Duration `yaml:"window"`
	Max         int           `yaml:"max"`        // per-IP limit within window
	GlobalMax   int           `yaml:"global_max"` // 0 = no global limit
	PerUser     bool          `yaml:"per_user"`   // additionally key by JWT sub claim
	Headers     bool          `yaml:"headers"`    // emit X-RateLimit-* headers
	ExemptPaths []string      `yaml:"exempt_paths"`
	Store       string        `yaml:"store"` // "memory" | "redis"
}

// CacheConfig configures the tiered response cache.
type CacheConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Strategy             string        `yaml:"strategy"` // "memory" | "redis"
	MaxEntries           int           `yaml:"max_entries"`
	MaxMemoryBytes       int64         `yaml:"max_memory_bytes"`
	TTL                  time.Duration `yaml:"ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	Prediction           bool          `yaml:"prediction"`
}

// RedisConfig configures the optional Redis backend shared by cache and rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ClusterConfig configures multi-process clustering.
type ClusterConfig struct {
	Enabled           bool                    `yaml:"enabled"`
	Workers           string                  `yaml:"workers"` // "auto" or a number
	AutoScaling       AutoScalingConfig       `yaml:"auto_scaling"`
	ProcessManagement ProcessManagementConfig `yaml:"process_management"`
	HealthCheck       HealthCheckConfig       `yaml:"health_check"`
	IPC               IPCConfig               `yaml:"ipc"`
	WorkerStartTimeout  time.Duration         `yaml:"worker_start_timeout"`
	ClusterStartTimeout time.Duration         `yaml:"cluster_start_timeout"`
}

// AutoScalingConfig configures metric-driven scaling decisions.
type AutoScalingConfig struct {
	Enabled            bool                 `yaml:"enabled"`
	MinWorkers         int                  `yaml:"min_workers"`
	MaxWorkers         int                  `yaml:"max_workers"`
	ScaleUpThreshold   ScaleUpThresholds    `yaml:"scale_up_threshold"`
	ScaleDownThreshold ScaleDownThresholds  `yaml:"scale_down_threshold"`
	CooldownPeriod     time.Duration        `yaml:"cooldown_period"`
	ScaleStep          int                  `yaml:"scale_step"`
	Interval           time.Duration        `yaml:"interval"`
}

// ScaleUpThresholds holds scale-up trigger levels.
type ScaleUpThresholds struct {
	CPU          float64       `yaml:"cpu"`           // percent
	Memory       float64       `yaml:"memory"`        // percent
	ResponseTime time.Duration `yaml:"response_time"` // average
	QueueLength  int           `yaml:"queue_length"`
}

// ScaleDownThresholds holds scale-down trigger levels.
type ScaleDownThresholds struct {
	CPU      float64       `yaml:"cpu"`
	Memory   float64       `yaml:"memory"`
	IdleTime time.Duration `yaml:"idle_time"`
}

// ProcessManagementConfig controls worker respawn behavior.
type ProcessManagementConfig struct {
	Respawn                 bool          `yaml:"respawn"`
	MaxRestarts             int           `yaml:"max_restarts"`
	RestartWindow           time.Duration `yaml:"restart_window"`
	RestartDelay            time.Duration `yaml:"restart_delay"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// HealthCheckConfig controls worker health probing.
type HealthCheckConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// IPCConfig controls the parent-worker message bus.
type IPCConfig struct {
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
}

// RequestManagementConfig controls per-request lifecycle limits.
type RequestManagementConfig struct {
	Timeout     TimeoutConfig     `yaml:"timeout"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// TimeoutConfig holds the default request timeout plus per-route overrides.
type TimeoutConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Routes         map[string]time.Duration `yaml:"routes"` // pattern → timeout
}

// ConcurrencyConfig caps concurrent request admission.
type ConcurrencyConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"` // 0 = unlimited
	MaxPerIP              int `yaml:"max_per_ip"`              // 0 = unlimited
}

// MultiServerConfig runs several independent HTTP servers in one process.
type MultiServerConfig struct {
	Enabled bool                `yaml:"enabled"`
	Servers []ServerEntryConfig `yaml:"servers"`
}

// ServerEntryConfig describes one server in multi-server mode.
type ServerEntryConfig struct {
	ID            string   `yaml:"id"`
	Port          int      `yaml:"port"`
	Host          string   `yaml:"host"`
	RoutePrefix   string   `yaml:"route_prefix"`
	AllowedRoutes []string `yaml:"allowed_routes"` // exact or trailing-/* patterns
}

// NotFoundConfig configures the HTML 404 page.
type NotFoundConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Title      string `yaml:"title"`
	Message    string `yaml:"message"`
	Theme      string `yaml:"theme"` // "dark" | "light"
	RedirectTo string `yaml:"redirect_to"`
	Contact    string `yaml:"contact"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json or console
	File    string `yaml:"file"`   // empty means stderr
	MaxSize int    `yaml:"max_size_mb"`
	MaxAge  int    `yaml:"max_age_days"`
	Backups int    `yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8085,
			AutoParseJSON: true,
			AutoPortSwitch: AutoPortSwitchConfig{
				Enabled:     false,
				MaxAttempts: 10,
				Strategy:    "random",
				PortRange:   [2]int{1024, 65535},
			},
			JSONLimit:       10 << 20, // 10mb
			URLEncodedLimit: 10 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Security: SecurityConfig{
			Enabled: true,
			Level:   "basic",
			CSRF: CSRFConfig{
				Enabled:    true,
				CookieName: "__Host-csrf-token",
				HeaderName: "X-CSRF-Token",
				FieldName:  "_csrf",
				TokenTTL:   time.Hour,
			},
			Helmet: SecurityHeadersConfig{
				Enabled:                 true,
				XContentTypeOptions:     "nosniff",
				XFrameOptions:           "DENY",
				StrictTransportSecurity: "max-age=31536000; includeSubDomains",
				ReferrerPolicy:          "no-referrer",
				PermissionsPolicy:       "geolocation=(), microphone=(), camera=()",
			},
			XSS:          FilterConfig{Enabled: true, Mode: "block"},
			SQLInjection: FilterConfig{Enabled: true, Mode: "block"},
			CORS: CORSConfig{
				Enabled:        true,
				Origins:        []string{"*"},
				Methods:        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
			Compression: CompressionConfig{
				Enabled:   true,
				Level:     6,
				Threshold: 1024,
			},
			HPP:           HPPConfig{Enabled: true},
			MongoSanitize: SanitizeConfig{Enabled: true, Replacement: "_"},
			AccessLog:     AccessLogConfig{Enabled: true, MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
			SlowDown: SlowDownConfig{
				Enabled:    true,
				Window:     15 * time.Minute,
				DelayAfter: 100,
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   5 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:     true,
				Window:      15 * time.Minute,
				Max:         1000,
				Headers:     true,
				ExemptPaths: []string{"/health", "/ping"},
				Store:       "memory",
			},
		},
		Cache: CacheConfig{
			Enabled:              true,
			Strategy:             "memory",
			MaxEntries:           10000,
			MaxMemoryBytes:       100 << 20, // 100mb
			TTL:                  300 * time.Second,
			CompressionThreshold: 1024,
			Prediction:           true,
		},
		Cluster: ClusterConfig{
			Enabled: false,
			Workers: "auto",
			AutoScaling: AutoScalingConfig{
				Enabled:    false,
				MinWorkers: 1,
				MaxWorkers: runtime.NumCPU(),
				ScaleUpThreshold: ScaleUpThresholds{
					CPU:          80,
					Memory:       85,
					ResponseTime: time.Second,
					QueueLength:  100,
				},
				ScaleDownThreshold: ScaleDownThresholds{
					CPU:      30,
					Memory:   40,
					IdleTime: 5 * time.Minute,
				},
				CooldownPeriod: 5 * time.Minute,
				ScaleStep:      1,
				Interval:       30 * time.Second,
			},
			ProcessManagement: ProcessManagementConfig{
				Respawn:                 true,
				MaxRestarts:             5,
				RestartWindow:           time.Minute,
				RestartDelay:            time.Second,
				GracefulShutdownTimeout: 8 * time.Second,
			},
			HealthCheck: HealthCheckConfig{
				Interval:    10 * time.Second,
				Timeout:     2 * time.Second,
				MaxFailures: 2,
			},
			IPC: IPCConfig{
				MaxMessageBytes: 1 << 20, // 1 MiB
				RPCTimeout:      5 * time.Second,
			},
			WorkerStartTimeout:  8 * time.Second,
			ClusterStartTimeout: 15 * time.Second,
		},
		RequestManagement: RequestManagementConfig{
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
			},
			Concurrency: ConcurrencyConfig{},
		},
		NotFound: NotFoundConfig{
			Enabled: true,
			Title:   "Page Not Found",
			Message: "The page you are looking for does not exist.",
			Theme:   "dark",
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// WorkerCount resolves the configured worker count ("auto" = CPU count).
func (c *ClusterConfig) WorkerCount() int {
	if c.Workers == "" || c.Workers == "auto" {
		return runtime.NumCPU()
	}
	n := 0
	for _, r := range c.Workers {
		if r < '0' || r > '9' {
			return runtime.NumCPU()
		}
		n = n*10 + int(r-'0')
	}
	if n < 1 {
		return 1
	}
	return n
}

// IsProduction reports whether the server runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RateLimitMaxForLevel returns the per-IP rate limit for a security level
// when the user did not set one explicitly.
func RateLimitMaxForLevel(level string) int {
	switch level {
	case "maximum":
		return 100
	case "enhanced":
		return 500
	default:
		return 1000
	}
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Environment variable names recognized by the loader.
const (
	EnvNodeEnv           = "NODE_ENV"
	EnvSingleProcess     = "SINGLE_PROCESS"
	EnvDisableClustering = "DISABLE_CLUSTERING"
	EnvClusterMode       = "CLUSTER_MODE"
	EnvWorkerID          = "WORKER_ID"
	EnvWorkerPort        = "WORKER_PORT"
	EnvServerConfig      = "XYPRISS_SERVER_CONFIG"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file, then applies environment overrides.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML or JSON bytes (YAML is a JSON superset,
// so the XYPRISS_SERVER_CONFIG blob goes through the same path).
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l.applyEnv(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnvironment builds a config purely from defaults + environment, used
// when no config file is given or inside workers.
func (l *Loader) FromEnvironment() (*Config, error) {
	if blob := os.Getenv(EnvServerConfig); blob != "" {
		return l.Parse([]byte(blob))
	}
	cfg := DefaultConfig()
	l.applyEnv(cfg)
	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv applies the presence rules from the process environment.
func (l *Loader) applyEnv(cfg *Config) {
	if env := os.Getenv(EnvNodeEnv); env != "" {
		cfg.Env = env
	}

	// SINGLE_PROCESS / DISABLE_CLUSTERING force clustering off.
	if isTruthy(os.Getenv(EnvSingleProcess)) || isTruthy(os.Getenv(EnvDisableClustering)) {
		cfg.Cluster.Enabled = false
	}

	// Workers must never spawn their own cluster.
	if isTruthy(os.Getenv(EnvClusterMode)) {
		cfg.Cluster.Enabled = false
	}

	if portStr := os.Getenv(EnvWorkerPort); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}

	// Rate-limit max follows the security level unless the user pinned it.
	if cfg.Security.RateLimit.Max == 0 {
		cfg.Security.RateLimit.Max = RateLimitMaxForLevel(cfg.Security.Level)
	}
}

// IsWorkerProcess reports whether this process was spawned by a supervisor.
func IsWorkerProcess() bool {
	return isTruthy(os.Getenv(EnvClusterMode))
}

// WorkerID returns the worker identity assigned by the supervisor, or "".
func WorkerID() string {
	return os.Getenv(EnvWorkerID)
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Server.AutoPortSwitch.Strategy {
	case "", "increment", "random":
	default:
		return fmt.Errorf("server.auto_port_switch.strategy must be \"increment\" or \"random\", got %q", cfg.Server.AutoPortSwitch.Strategy)
	}

	switch cfg.Security.Level {
	case "", "basic", "enhanced", "maximum":
	default:
		return fmt.Errorf("security.level must be basic, enhanced or maximum, got %q", cfg.Security.Level)
	}

	switch cfg.Cache.Strategy {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("cache.strategy must be \"memory\" or \"redis\", got %q", cfg.Cache.Strategy)
	}
	if cfg.Cache.Strategy == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("cache.strategy is redis but redis.addr is empty")
	}

	if cfg.Cluster.AutoScaling.Enabled {
		as := cfg.Cluster.AutoScaling
		if as.MinWorkers < 1 {
			return fmt.Errorf("cluster.auto_scaling.min_workers must be >= 1")
		}
		if as.MaxWorkers < as.MinWorkers {
			return fmt.Errorf("cluster.auto_scaling.max_workers must be >= min_workers")
		}
	}

	if cfg.MultiServer.Enabled {
		seen := make(map[string]bool, len(cfg.MultiServer.Servers))
		ports := make(map[int]string, len(cfg.MultiServer.Servers))
		for _, s := range cfg.MultiServer.Servers {
			if s.ID == "" {
				return fmt.Errorf("multi_server.servers entries require an id")
			}
			if seen[s.ID] {
				return fmt.Errorf("duplicate multi_server id %q", s.ID)
			}
			seen[s.ID] = true
			if s.Port <= 0 || s.Port > 65535 {
				return fmt.Errorf("multi_server %q: port %d out of range", s.ID, s.Port)
			}
			if other, dup := ports[s.Port]; dup {
				return fmt.Errorf("multi_server %q: port %d already used by %q", s.ID, s.Port, other)
			}
			ports[s.Port] = s.ID
		}
	}

	for pattern, d := range cfg.RequestManagement.Timeout.Routes {
		if d <= 0 {
			return fmt.Errorf("request_management.timeout.routes[%q] must be positive", pattern)
		}
	}

	return nil
}

// Package config loads the gateway configuration.
//
// Layers, lowest precedence first: built-in defaults, an optional YAML file,
// environment variables. Nested keys map to env vars by replacing "." with
// "_", so rate.max_requests is RATE_MAX_REQUESTS.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"roomivo-gateway/middleware/ratelimit/domain"
)

var ErrNoFunctions = errors.New("no functions configured")

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	IdentifyByIP   = "ip"
	IdentifyByUser = "user"
)

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Rate        RateConfig        `mapstructure:"rate" yaml:"rate"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Stats       StatsConfig       `mapstructure:"stats" yaml:"stats"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	CORS        CORSConfig        `mapstructure:"cors" yaml:"cors"`

	Functions []FunctionConfig `mapstructure:"functions" yaml:"functions"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// RateConfig is the global fixed-window policy. Functions may override it.
type RateConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Store          string        `mapstructure:"store" yaml:"store"`
	MaxRequests    int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window         time.Duration `mapstructure:"window" yaml:"window"`
	TrustXFF       bool          `mapstructure:"trust_xff" yaml:"trust_xff"`
	AddHeaders     bool          `mapstructure:"add_headers" yaml:"add_headers"`
	FailClosed     bool          `mapstructure:"fail_closed" yaml:"fail_closed"`
	SweepEvery     time.Duration `mapstructure:"sweep_every" yaml:"sweep_every"`
	KeyPrefix      string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	RedisOpTimeout time.Duration `mapstructure:"redis_op_timeout" yaml:"redis_op_timeout"`
}

func (r RateConfig) Policy() domain.Policy {
	return domain.Policy{MaxRequests: r.MaxRequests, Window: r.Window}.WithDefaults()
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type StatsConfig struct {
	RedisEnabled bool          `mapstructure:"redis_enabled" yaml:"redis_enabled"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	TTL          time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Bucket       string        `mapstructure:"bucket" yaml:"bucket"`
	TrackKeys    bool          `mapstructure:"track_keys" yaml:"track_keys"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type ConcurrencyConfig struct {
	Max     int           `mapstructure:"max" yaml:"max"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued by the auth platform.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

// FunctionConfig describes one proxied function, served at
// /functions/v1/<name>.
type FunctionConfig struct {
	Name           string            `mapstructure:"name" yaml:"name"`
	Upstream       string            `mapstructure:"upstream" yaml:"upstream"`
	Methods        []string          `mapstructure:"methods" yaml:"methods"`
	IdentifyBy     string            `mapstructure:"identify_by" yaml:"identify_by"`
	MaxRequests    int               `mapstructure:"max_requests" yaml:"max_requests"`
	Window         time.Duration     `mapstructure:"window" yaml:"window"`
	RequiredFields []string          `mapstructure:"required_fields" yaml:"required_fields"`
	MaxBodyBytes   int64             `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	Stream         bool              `mapstructure:"stream" yaml:"stream"`
	UpstreamRPS    float64           `mapstructure:"upstream_rps" yaml:"upstream_rps"`
	UpstreamBurst  int               `mapstructure:"upstream_burst" yaml:"upstream_burst"`
	Timeout        time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Policy returns the function's policy, falling back field by field to the
// global one.
func (f FunctionConfig) Policy(global domain.Policy) domain.Policy {
	p := domain.Policy{MaxRequests: f.MaxRequests, Window: f.Window}
	if p.MaxRequests <= 0 {
		p.MaxRequests = global.MaxRequests
	}
	if p.Window <= 0 {
		p.Window = global.Window
	}
	return p.WithDefaults()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("rate.enabled", true)
	v.SetDefault("rate.store", StoreMemory)
	v.SetDefault("rate.max_requests", domain.DefaultMaxRequests)
	v.SetDefault("rate.window", domain.DefaultWindow)
	v.SetDefault("rate.trust_xff", false)
	v.SetDefault("rate.add_headers", true)
	v.SetDefault("rate.fail_closed", false)
	v.SetDefault("rate.sweep_every", 5*time.Minute)
	v.SetDefault("rate.key_prefix", "roomivo:ratelimit")
	v.SetDefault("rate.redis_op_timeout", 500*time.Millisecond)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stats.redis_enabled", false)
	v.SetDefault("stats.prefix", "roomivo:ratelimit:stats")
	v.SetDefault("stats.ttl", 24*time.Hour)
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.track_keys", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", time.Duration(0))

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_headers", []string{"authorization", "x-client-info", "apikey", "content-type"})
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyFunctionDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFunctionDefaults() {
	for i := range c.Functions {
		f := &c.Functions[i]
		f.Name = strings.TrimSpace(f.Name)
		if len(f.Methods) == 0 {
			f.Methods = []string{"POST"}
		}
		for j, m := range f.Methods {
			f.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
		if f.IdentifyBy == "" {
			f.IdentifyBy = IdentifyByIP
		}
		if f.MaxBodyBytes <= 0 {
			f.MaxBodyBytes = 1 << 20
		}
		if f.Timeout <= 0 {
			f.Timeout = 60 * time.Second
		}
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Rate.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate.max_requests must be > 0"))
	}
	if c.Rate.Window <= 0 {
		errs = append(errs, errors.New("rate.window must be > 0"))
	}
	switch c.Rate.Store {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("redis.addr is required when rate.store=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate.store must be %q or %q, got %q", StoreMemory, StoreRedis, c.Rate.Store))
	}
	if c.Stats.RedisEnabled && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required when stats.redis_enabled=true"))
	}
	if c.Concurrency.Max < 0 {
		errs = append(errs, errors.New("concurrency.max must be >= 0"))
	}

	if len(c.Functions) == 0 {
		errs = append(errs, ErrNoFunctions)
	}
	seen := make(map[string]bool, len(c.Functions))
	for _, f := range c.Functions {
		if err := f.validate(c.Auth); err != nil {
			errs = append(errs, err)
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("function %q is defined twice", f.Name))
		}
		seen[f.Name] = true
	}

	return errors.Join(errs...)
}

var supportedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

func (f FunctionConfig) validate(auth AuthConfig) error {
	if f.Name == "" {
		return errors.New("function name is required")
	}
	if strings.ContainsAny(f.Name, "/ ") {
		return fmt.Errorf("function %q: name must not contain '/' or spaces", f.Name)
	}
	u, err := url.Parse(f.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("function %q: upstream must be an absolute URL, got %q", f.Name, f.Upstream)
	}
	switch f.IdentifyBy {
	case IdentifyByIP:
	case IdentifyByUser:
		if auth.JWTSecret == "" {
			return fmt.Errorf("function %q: identify_by=user needs auth.jwt_secret", f.Name)
		}
	default:
		return fmt.Errorf("function %q: identify_by must be %q or %q", f.Name, IdentifyByIP, IdentifyByUser)
	}
	if f.MaxRequests < 0 || f.Window < 0 {
		return fmt.Errorf("function %q: max_requests and window must not be negative", f.Name)
	}
	for _, m := range f.Methods {
		if !slices.Contains(supportedMethods, m) {
			return fmt.Errorf("function %q: unsupported method %q", f.Name, m)
		}
	}
	if f.UpstreamRPS < 0 || f.UpstreamBurst < 0 {
		return fmt.Errorf("function %q: upstream_rps and upstream_burst must not be negative", f.Name)
	}
	return nil
}

// Redacted returns a copy safe to print: secrets and injected headers are
// masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}

	out := c
	out.Redis.Password = mask(c.Redis.Password)
	out.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	out.Functions = make([]FunctionConfig, len(c.Functions))
	for i, f := range c.Functions {
		if len(f.Headers) > 0 {
			h := make(map[string]string, len(f.Headers))
			for k, v := range f.Headers {
				h[k] = mask(v)
			}
			f.Headers = h
		}
		out.Functions[i] = f
	}
	return out
}

// Package config holds the client's environment-driven settings.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/bridgeaid/client/internal/tokenstore/file"
	pkgconfig "github.com/bridgeaid/client/pkg/config"
)

// Token store drivers.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all configuration for the BridgeAID client.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// Backend
	APIBaseURL          string        `env:"BRIDGEAID_API_BASE_URL" envDefault:"http://localhost:8000/api"`
	HTTPTimeout         time.Duration `env:"BRIDGEAID_HTTP_TIMEOUT" envDefault:"30s"`
	HTTPMaxConnsPerHost int           `env:"BRIDGEAID_HTTP_MAX_CONNS_PER_HOST" envDefault:"16"`

	// Circuit breaker
	BreakerEnabled      bool          `env:"BRIDGEAID_BREAKER_ENABLED" envDefault:"true"`
	BreakerTimeout      time.Duration `env:"BRIDGEAID_BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerMinRequests  uint32        `env:"BRIDGEAID_BREAKER_MIN_REQUESTS" envDefault:"5"`
	BreakerFailureRatio float64       `env:"BRIDGEAID_BREAKER_FAILURE_RATIO" envDefault:"0.5"`

	// Token store
	TokenStore  string `env:"BRIDGEAID_TOKEN_STORE" envDefault:"file"`
	TokenFile   string `env:"BRIDGEAID_TOKEN_FILE"`
	RedisURL    string `env:"BRIDGEAID_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"BRIDGEAID_REDIS_PREFIX" envDefault:"bridgeaid:"`

	// Local agent
	AgentAddr         string   `env:"BRIDGEAID_AGENT_ADDR" envDefault:"127.0.0.1:8787"`
	AgentAllowedCIDRs []string `env:"BRIDGEAID_AGENT_ALLOWED_CIDRS" envDefault:"127.0.0.0/8,::1/128" envSeparator:","`
	AgentPprofEnabled bool     `env:"BRIDGEAID_AGENT_PPROF" envDefault:"false"`
	// AgentToken is generated per launch when empty.
	AgentToken         string   `env:"BRIDGEAID_AGENT_TOKEN"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads an optional .env file, then the environment, and validates
// the result.
func Load(dotenv ...string) (*Config, error) {
	if err := pkgconfig.LoadDotenv(dotenv...); err != nil {
		return nil, fmt.Errorf("load bridgeaid config: %w", err)
	}

	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load bridgeaid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.TokenStore == StoreFile && cfg.TokenFile == "" {
		path, err := file.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve token file: %w", err)
		}
		cfg.TokenFile = path
	}
	return cfg, nil
}

// Validate checks values the env parser cannot.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BRIDGEAID_API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("BRIDGEAID_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.HTTPMaxConnsPerHost < 1 {
		return fmt.Errorf("BRIDGEAID_HTTP_MAX_CONNS_PER_HOST must be at least 1, got %d", c.HTTPMaxConnsPerHost)
	}

	switch c.TokenStore {
	case StoreFile, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("BRIDGEAID_TOKEN_STORE must be one of file, redis, memory, got %q", c.TokenStore)
	}

	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return fmt.Errorf("BRIDGEAID_BREAKER_FAILURE_RATIO must be in (0, 1], got %v", c.BreakerFailureRatio)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be in [0, 1], got %v", c.OTELSampleRate)
	}

	if _, err := netip.ParseAddrPort(c.AgentAddr); err != nil {
		return fmt.Errorf("BRIDGEAID_AGENT_ADDR must be ip:port, got %q", c.AgentAddr)
	}
	for _, origin := range c.CORSAllowedOrigins {
		if strings.TrimSpace(origin) == "*" && c.Environment != "development" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS=* is only allowed with ENVIRONMENT=development, got %q", c.Environment)
		}
	}
	for _, cidr := range c.AgentAllowedCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("BRIDGEAID_AGENT_ALLOWED_CIDRS: invalid prefix %q", cidr)
		}
	}
	return nil
}

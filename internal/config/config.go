package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g.
// EZPROXY_DOMAIN_LIST_URL.
const EnvPrefix = "EZPROXY"

// MinUpdateInterval is the floor applied to UpdateInterval.
const MinUpdateInterval = time.Minute

const (
	StyleSubdomain = "subdomain"
	StylePath      = "path"
)

// ErrInvalid marks a configuration the service cannot start with.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	DomainListURL   string        `yaml:"domainListUrl" envconfig:"DOMAIN_LIST_URL"`
	ProxyBaseHost   string        `yaml:"proxyBaseHost" envconfig:"PROXY_BASE_HOST"`
	ProxyStyle      string        `yaml:"proxyStyle" envconfig:"PROXY_STYLE"`
	UpdateInterval  time.Duration `yaml:"updateInterval" envconfig:"UPDATE_INTERVAL"`
	RetryAttempts   int           `yaml:"retryAttempts" envconfig:"RETRY_ATTEMPTS"`
	RetryDelay      time.Duration `yaml:"retryDelay" envconfig:"RETRY_DELAY"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout" envconfig:"FETCH_TIMEOUT"`
	InstitutionName string        `yaml:"institutionName" envconfig:"INSTITUTION_NAME"`
	BannerText      string        `yaml:"bannerText" envconfig:"BANNER_TEXT"`
	LocalListPath   string        `yaml:"localListPath" envconfig:"LOCAL_LIST_PATH"`
	StatePath       string        `yaml:"statePath" envconfig:"STATE_PATH"`
	DebounceDelay   time.Duration `yaml:"debounceDelay" envconfig:"DEBOUNCE_DELAY"`

	HTTPAddr       string  `yaml:"httpAddr" envconfig:"HTTP_ADDR"`
	GRPCAddr       string  `yaml:"grpcAddr" envconfig:"GRPC_ADDR"`
	RateLimitRPS   float64 `yaml:"rateLimitRps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst" envconfig:"RATE_LIMIT_BURST"`

	Log LogConfig `yaml:"log" envconfig:"LOG"`
}

type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" envconfig:"DEV"`
}

// Default returns the configuration used for every field that neither the
// config file nor the environment sets.
func Default() Config {
	return Config{
		ProxyStyle:      StyleSubdomain,
		UpdateInterval:  24 * time.Hour,
		RetryAttempts:   3,
		RetryDelay:      2 * time.Second,
		FetchTimeout:    30 * time.Second,
		InstitutionName: "Library",
		StatePath:       "ezproxy.db",
		DebounceDelay:   100 * time.Millisecond,
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and EZPROXY_* environment variables, in that order, and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and fills derived ones. Intervals below
// MinUpdateInterval are raised to it.
func (c *Config) Validate() error {
	c.DomainListURL = strings.TrimSpace(c.DomainListURL)
	c.ProxyBaseHost = strings.TrimSpace(c.ProxyBaseHost)
	c.ProxyStyle = strings.ToLower(strings.TrimSpace(c.ProxyStyle))

	if c.DomainListURL == "" {
		return fmt.Errorf("%w: domain list url must not be empty", ErrInvalid)
	}
	u, err := url.Parse(c.DomainListURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: domain list url %q must be an absolute http(s) url", ErrInvalid, c.DomainListURL)
	}

	if c.ProxyBaseHost == "" {
		return fmt.Errorf("%w: proxy base host must not be empty", ErrInvalid)
	}

	switch c.ProxyStyle {
	case "":
		c.ProxyStyle = StyleSubdomain
	case StyleSubdomain, StylePath:
	default:
		return fmt.Errorf("%w: unknown proxy style %q", ErrInvalid, c.ProxyStyle)
	}
	if c.ProxyStyle == StyleSubdomain && strings.ContainsAny(c.ProxyBaseHost, "/:?#") {
		return fmt.Errorf("%w: proxy base host %q must be a bare hostname for subdomain style", ErrInvalid, c.ProxyBaseHost)
	}

	if c.UpdateInterval < MinUpdateInterval {
		c.UpdateInterval = MinUpdateInterval
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry attempts must be >= 0, got %d", ErrInvalid, c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must be >= 0, got %s", ErrInvalid, c.RetryDelay)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be > 0, got %s", ErrInvalid, c.FetchTimeout)
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("%w: debounce delay must be > 0, got %s", ErrInvalid, c.DebounceDelay)
	}

	if c.InstitutionName == "" {
		c.InstitutionName = "Library"
	}
	if c.BannerText == "" {
		c.BannerText = fmt.Sprintf("This page is available through %s's EZProxy. Access the full text with your institutional login.", c.InstitutionName)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL    = "http://metadata.google.internal/computeMetadata/v1"
	DefaultOutputPath = "gcp_metadata_dump.txt"
	DefaultBanner     = "=== GCP Metadata Dump ==="
)

// Config captures everything needed to run a metadata dump.
type Config struct {
	Metadata MetadataConfig `yaml:"metadata"`
	Output   OutputConfig   `yaml:"output"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MetadataConfig describes the metadata endpoint and how requests against it are made.
type MetadataConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers"`
	UserAgent      string            `yaml:"user_agent"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	Delay          Duration          `yaml:"delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket to metadata requests.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// OutputConfig controls the text dump.
type OutputConfig struct {
	Path   string `yaml:"path"`
	Banner string `yaml:"banner"`
}

// StoreConfig describes an optional SQL database that mirrors every record.
type StoreConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether a record store was configured.
func (s StoreConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config that reproduces a plain GCP metadata dump.
func Default() Config {
	return Config{
		Metadata: MetadataConfig{
			BaseURL: DefaultBaseURL,
			Headers: map[string]string{
				"Metadata-Flavor": "Google",
			},
			RequestTimeout: DurationFrom(3 * time.Second),
			MaxBodyBytes:   4 * 1024 * 1024,
		},
		Output: OutputConfig{
			Path:   DefaultOutputPath,
			Banner: DefaultBanner,
		},
		Store: StoreConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the dump configuration.
func (c Config) Validate() error {
	if c.Metadata.BaseURL == "" {
		return errors.New("metadata.base_url must be set")
	}
	u, err := url.Parse(c.Metadata.BaseURL)
	if err != nil {
		return fmt.Errorf("metadata.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("metadata.base_url must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("metadata.base_url is missing a host")
	}
	if c.Metadata.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("metadata.request_timeout must be > 0 (got %s)", c.Metadata.RequestTimeout.Duration)
	}
	if c.Metadata.MaxBodyBytes <= 0 {
		return fmt.Errorf("metadata.max_body_bytes must be > 0 (got %d)", c.Metadata.MaxBodyBytes)
	}
	if c.Metadata.Delay.Duration < 0 {
		return fmt.Errorf("metadata.delay must be >= 0 (got %s)", c.Metadata.Delay.Duration)
	}
	if rl := c.Metadata.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("metadata.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if strings.TrimSpace(c.Output.Path) == "" {
		return errors.New("output.path must be set")
	}
	if (c.Store.Driver == "") != (c.Store.DSN == "") {
		return errors.New("store.driver and store.dsn must be set together")
	}
	switch c.Store.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}

// Normalise trims user-supplied values and fills the mandatory metadata header.
func (c *Config) Normalise() {
	c.Metadata.BaseURL = strings.TrimRight(strings.TrimSpace(c.Metadata.BaseURL), "/")
	c.Metadata.UserAgent = strings.TrimSpace(c.Metadata.UserAgent)
	c.Metadata.Headers = canonicalHeaders(c.Metadata.Headers)
	if _, ok := c.Metadata.Headers["Metadata-Flavor"]; !ok {
		c.Metadata.Headers["Metadata-Flavor"] = "Google"
	}
	c.Output.Path = strings.TrimSpace(c.Output.Path)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// canonicalHeaders rewrites header names to their canonical MIME form. When several spellings
// collapse onto one name, a non-canonical spelling overrides the canonical one and the rest
// resolve in sorted key order.
func canonicalHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name := http.CanonicalHeaderKey(strings.TrimSpace(k)); name == k {
			out[name] = in[k]
		}
	}
	for _, k := range keys {
		if name := http.CanonicalHeaderKey(strings.TrimSpace(k)); name != k {
			out[name] = in[k]
		}
	}
	return out
}

// Enabled reports whether request rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

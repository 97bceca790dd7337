package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/edge-router/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Policy    PolicyConfig    `yaml:"policy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS listener configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProxyConfig contains upstream fetch configuration
type ProxyConfig struct {
	// AttemptTimeout bounds each mirror attempt; expiry advances the
	// failover cursor like a connection failure.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	BurstSize       int           `yaml:"burst_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// PolicyConfig is the on-disk shape of the routing policy
type PolicyConfig struct {
	ACL                ACLConfig               `yaml:"acl"`
	BasicAuthorization string                  `yaml:"basic_authorization"`
	SpecialPaths       SpecialPathsConfig      `yaml:"special_paths"`
	Mirrors            []MirrorConfig          `yaml:"mirrors"`
	Experiments        map[string]ABTestConfig `yaml:"experiments"`
	CrawlerUserAgent   string                  `yaml:"crawler_user_agent"`
	ConsentExempt      ConsentExemptConfig     `yaml:"consent_exempt"`
	QueryRules         map[string][]string     `yaml:"query_rules"`
}

// ACLConfig holds the three CIDR sets
type ACLConfig struct {
	Purge     []string `yaml:"purge"`
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SpecialPathsConfig holds path overrides answered without any origin
type SpecialPathsConfig struct {
	NotFound []string          `yaml:"not_found"`
	Redirect map[string]string `yaml:"redirect"`
}

// MirrorConfig contains one failover chain entry
type MirrorConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// ABTestConfig contains one experiment definition. Variants is a
// yaml.MapSlice so that definition order is preserved for the
// cumulative weight table.
type ABTestConfig struct {
	Active         bool          `yaml:"active"`
	Expires        int           `yaml:"expires"`
	CrawlerVariant string        `yaml:"crawler_variant"`
	Variants       yaml.MapSlice `yaml:"variants"`
}

// ConsentExemptConfig names the experiment and path exempt from the
// consent gate
type ConsentExemptConfig struct {
	Experiment string `yaml:"experiment"`
	Path       string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Proxy: ProxyConfig{
			AttemptTimeout: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			RequestsPerSec:  100,
			BurstSize:       200,
			CleanupInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Policy: PolicyConfig{
			ConsentExempt: ConsentExemptConfig{
				Experiment: "Example",
				Path:       "/help/ab-testing",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv overrides selected settings from environment variables
func (c *Config) applyEnv() {
	if port := os.Getenv("EDGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if logLevel := os.Getenv("EDGE_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	if secret := os.Getenv("EDGE_BASIC_AUTH"); secret != "" {
		c.Policy.BasicAuthorization = secret
	}
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Proxy.AttemptTimeout <= 0 {
		return fmt.Errorf("proxy.attempt_timeout must be positive: %v", c.Proxy.AttemptTimeout)
	}

	for _, set := range []struct {
		name   string
		ranges []string
	}{
		{"acl.purge", c.Policy.ACL.Purge},
		{"acl.allowlist", c.Policy.ACL.Allowlist},
		{"acl.denylist", c.Policy.ACL.Denylist},
	} {
		for _, entry := range set.ranges {
			if _, err := parseIPOrCIDR(entry); err != nil {
				return fmt.Errorf("%s: invalid IP/CIDR %q: %w", set.name, entry, err)
			}
		}
	}

	if len(c.Policy.Mirrors) == 0 {
		return fmt.Errorf("at least one mirror must be configured")
	}

	mirrorNames := make(map[string]bool)
	for i, m := range c.Policy.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirrors[%d]: name cannot be empty", i)
		}
		if mirrorNames[m.Name] {
			return fmt.Errorf("mirrors[%d]: duplicate name %q", i, m.Name)
		}
		mirrorNames[m.Name] = true

		if m.URL == "" {
			return fmt.Errorf("mirrors[%d]: url cannot be empty", i)
		}
		u, err := url.Parse(m.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("mirrors[%d]: invalid url %q", i, m.URL)
		}
		if m.Prefix != "" && !strings.HasPrefix(m.Prefix, "/") {
			return fmt.Errorf("mirrors[%d]: prefix must start with '/': %q", i, m.Prefix)
		}
	}

	for path, target := range c.Policy.SpecialPaths.Redirect {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("special_paths.redirect[%s]: target must be an absolute URL: %q", path, target)
		}
	}

	for name, ab := range c.Policy.Experiments {
		if ab.Expires < 0 {
			return fmt.Errorf("experiments[%s]: expires cannot be negative: %d", name, ab.Expires)
		}
		if ab.Active && len(ab.Variants) == 0 {
			return fmt.Errorf("experiments[%s]: an active experiment needs at least one variant", name)
		}
		hasA := false
		for _, item := range ab.Variants {
			label, ok := item.Key.(string)
			if !ok {
				return fmt.Errorf("experiments[%s]: variant labels must be strings", name)
			}
			if _, err := variantWeight(item.Value); err != nil {
				return fmt.Errorf("experiments[%s].variants[%s]: %w", name, label, err)
			}
			if label == "A" {
				hasA = true
			}
		}
		if ab.CrawlerVariant == "" && !hasA {
			return fmt.Errorf("experiments[%s]: crawler_variant is required when there is no 'A' variant", name)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec <= 0 {
			return fmt.Errorf("rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ToPolicy converts the validated file config into the immutable
// runtime policy. Must only be called after Validate has passed.
func (c *Config) ToPolicy() (*domain.PolicyConfig, error) {
	purge, err := parseRanges(c.Policy.ACL.Purge)
	if err != nil {
		return nil, fmt.Errorf("acl.purge: %w", err)
	}
	allow, err := parseRanges(c.Policy.ACL.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("acl.allowlist: %w", err)
	}
	deny, err := parseRanges(c.Policy.ACL.Denylist)
	if err != nil {
		return nil, fmt.Errorf("acl.denylist: %w", err)
	}

	notFound := make(map[string]struct{}, len(c.Policy.SpecialPaths.NotFound))
	for _, p := range c.Policy.SpecialPaths.NotFound {
		notFound[p] = struct{}{}
	}

	redirects := make(map[string]string, len(c.Policy.SpecialPaths.Redirect))
	for p, target := range c.Policy.SpecialPaths.Redirect {
		redirects[p] = target
	}

	mirrors := make([]domain.Mirror, len(c.Policy.Mirrors))
	for i, m := range c.Policy.Mirrors {
		mirrors[i] = domain.Mirror{
			Name:       m.Name,
			BaseURL:    strings.TrimRight(m.URL, "/"),
			PathPrefix: m.Prefix,
		}
	}

	experiments := make(map[string]*domain.Experiment, len(c.Policy.Experiments))
	for name, ab := range c.Policy.Experiments {
		variants := make([]domain.ExperimentVariant, 0, len(ab.Variants))
		hasA := false
		for _, item := range ab.Variants {
			label := item.Key.(string)
			weight, err := variantWeight(item.Value)
			if err != nil {
				return nil, fmt.Errorf("experiments[%s].variants[%s]: %w", name, label, err)
			}
			variants = append(variants, domain.ExperimentVariant{Label: label, Weight: weight})
			if label == "A" {
				hasA = true
			}
		}

		crawlerVariant := ab.CrawlerVariant
		if crawlerVariant == "" && hasA {
			crawlerVariant = "A"
		}

		experiments[name] = domain.NewExperiment(name, ab.Active, ab.Expires, crawlerVariant, variants)
	}

	queryRules := make(map[string][]string, len(c.Policy.QueryRules))
	for path, params := range c.Policy.QueryRules {
		queryRules[path] = append([]string(nil), params...)
	}

	return &domain.PolicyConfig{
		PurgeACL:                purge,
		Allowlist:               allow,
		Denylist:                deny,
		BasicAuthSecret:         c.Policy.BasicAuthorization,
		NotFoundPaths:           notFound,
		RedirectPaths:           redirects,
		Mirrors:                 mirrors,
		Experiments:             experiments,
		CrawlerUserAgent:        c.Policy.CrawlerUserAgent,
		ConsentExemptExperiment: c.Policy.ConsentExempt.Experiment,
		ConsentExemptPath:       c.Policy.ConsentExempt.Path,
		QueryRetainRules:        queryRules,
	}, nil
}

// parseRanges parses a list of IPs or CIDRs into networks
func parseRanges(entries []string) ([]*net.IPNet, error) {
	ranges := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		n, err := parseIPOrCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR %q: %w", entry, err)
		}
		ranges = append(ranges, n)
	}
	return ranges, nil
}

// parseIPOrCIDR parses either a single IP or a CIDR range
func parseIPOrCIDR(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		return n, err
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address: %s", entry)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// variantWeight coerces a YAML variant weight into an int
func variantWeight(v interface{}) (int, error) {
	switch w := v.(type) {
	case int:
		if w < 0 {
			return 0, fmt.Errorf("weight cannot be negative: %d", w)
		}
		return w, nil
	case int64:
		if w < 0 {
			return 0, fmt.Errorf("weight cannot be negative: %d", w)
		}
		return int(w), nil
	default:
		return 0, fmt.Errorf("weight must be an integer, got %T", v)
	}
}

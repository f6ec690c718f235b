package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config holds every server-level option for the proxy process.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen       ListenConfig       `koanf:"listen"`
	Logging      LoggingConfig      `koanf:"logging"`
	Proxy        ProxyConfig        `koanf:"proxy"`
	Cache        CacheConfig        `koanf:"cache"`
	Resolver     ResolverConfig     `koanf:"resolver"`
	Upstream     UpstreamConfig     `koanf:"upstream"`
	Certificates CertificatesConfig `koanf:"certificates"`
	Status       StatusConfig       `koanf:"status"`
}

// ListenConfig instructs both listeners about the bind address and ports.
type ListenConfig struct {
	Address   string `koanf:"address"`
	HTTPPort  int    `koanf:"httpPort"`
	HTTPSPort int    `koanf:"httpsPort"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ProxyConfig names the hosts the proxy intercepts.
type ProxyConfig struct {
	DomainSuffix string   `koanf:"domainSuffix"`
	Hostnames    []string `koanf:"hostnames"`
}

// CacheConfig drives the response cache and the single-flight coalescing loop.
type CacheConfig struct {
	Backend              string           `koanf:"backend"`
	Capacity             int              `koanf:"capacity"`
	CompactionPercentage float64          `koanf:"compactionPercentage"`
	MaxContentLength     int64            `koanf:"maxContentLength"`
	DefaultTTL           string           `koanf:"defaultTTL"`
	CoalesceTimeout      string           `koanf:"coalesceTimeout"`
	MaxRetries           int              `koanf:"maxRetries"`
	Rules                []CacheRule      `koanf:"rules"`
	Redis                RedisCacheConfig `koanf:"redis"`
}

// CacheRule assigns a TTL to requests matching a CEL expression.
type CacheRule struct {
	Name  string `koanf:"name"`
	Match string `koanf:"match"`
	TTL   string `koanf:"ttl"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ResolverConfig configures the DNS-over-HTTPS lookups used to find the real upstream.
type ResolverConfig struct {
	Endpoint  string            `koanf:"endpoint"`
	Mode      string            `koanf:"mode"`
	Timeout   string            `koanf:"timeout"`
	RateQPS   float64           `koanf:"rateQPS"`
	Burst     int               `koanf:"burst"`
	Overrides map[string]string `koanf:"overrides"`
}

// UpstreamConfig shapes the outbound client used against the resolved upstream address.
type UpstreamConfig struct {
	Timeout            string `koanf:"timeout"`
	InsecureSkipVerify bool   `koanf:"insecureSkipVerify"`
}

// CertificatesConfig captures where the CA identity and certificate stores live.
type CertificatesConfig struct {
	IdentityFile  string   `koanf:"identityFile"`
	StoreDir      string   `koanf:"storeDir"`
	RootSubject   string   `koanf:"rootSubject"`
	LeafSubject   string   `koanf:"leafSubject"`
	DNSNames      []string `koanf:"dnsNames"`
	ValidityYears int      `koanf:"validityYears"`
}

// StatusConfig controls what the status endpoints report.
type StatusConfig struct {
	Version string `koanf:"version"`
	Window  string `koanf:"window"`
	// TemplateDir and TemplateFile replace the built-in text status page.
	TemplateDir  string `koanf:"templateDir"`
	TemplateFile string `koanf:"templateFile"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	listen := c.Server.Listen
	if listen.HTTPPort < 0 || listen.HTTPPort > 65535 {
		return fmt.Errorf("config: listen.httpPort invalid: %d", listen.HTTPPort)
	}
	if listen.HTTPSPort < 0 || listen.HTTPSPort > 65535 {
		return fmt.Errorf("config: listen.httpsPort invalid: %d", listen.HTTPSPort)
	}
	if listen.HTTPPort == 0 && listen.HTTPSPort == 0 {
		return errors.New("config: at least one of listen.httpPort or listen.httpsPort required")
	}
	if strings.TrimSpace(c.Server.Proxy.DomainSuffix) == "" {
		return errors.New("config: proxy.domainSuffix required")
	}
	if err := c.Server.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Server.Resolver.validate(); err != nil {
		return err
	}
	if _, err := parseDuration("upstream.timeout", c.Server.Upstream.Timeout); err != nil {
		return err
	}
	certs := c.Server.Certificates
	if strings.TrimSpace(certs.IdentityFile) == "" {
		return errors.New("config: certificates.identityFile required")
	}
	if strings.TrimSpace(certs.StoreDir) == "" {
		return errors.New("config: certificates.storeDir required")
	}
	if len(certs.DNSNames) == 0 {
		return errors.New("config: certificates.dnsNames requires at least one name")
	}
	if certs.ValidityYears <= 0 {
		return fmt.Errorf("config: certificates.validityYears invalid: %d", certs.ValidityYears)
	}
	if _, err := parseDuration("status.window", c.Server.Status.Window); err != nil {
		return err
	}
	if c.Server.Status.TemplateFile != "" && strings.TrimSpace(c.Server.Status.TemplateDir) == "" {
		return errors.New("config: status.templateDir required when status.templateFile is set")
	}
	return nil
}

// Validate checks the cache block on its own so policy reloads can reuse it.
func (c CacheConfig) Validate() error {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Backend)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("config: server.cache.capacity invalid: %d", c.Capacity)
	}
	if c.CompactionPercentage <= 0 || c.CompactionPercentage > 1 {
		return fmt.Errorf("config: server.cache.compactionPercentage invalid: %v", c.CompactionPercentage)
	}
	if c.MaxContentLength < 0 {
		return fmt.Errorf("config: server.cache.maxContentLength invalid: %d", c.MaxContentLength)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: server.cache.maxRetries invalid: %d", c.MaxRetries)
	}
	if _, err := parseDuration("server.cache.defaultTTL", c.DefaultTTL); err != nil {
		return err
	}
	if _, err := parseDuration("server.cache.coalesceTimeout", c.CoalesceTimeout); err != nil {
		return err
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.Match) == "" {
			return fmt.Errorf("config: server.cache.rules[%d].match required", i)
		}
		if _, err := parseDuration(fmt.Sprintf("server.cache.rules[%d].ttl", i), rule.TTL); err != nil {
			return err
		}
	}
	return nil
}

func (r ResolverConfig) validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return errors.New("config: server.resolver.endpoint required")
	}
	switch strings.ToLower(strings.TrimSpace(r.Mode)) {
	case "", "json", "wire":
	default:
		return fmt.Errorf("config: server.resolver.mode unsupported: %s", r.Mode)
	}
	if r.RateQPS < 0 {
		return fmt.Errorf("config: server.resolver.rateQPS invalid: %v", r.RateQPS)
	}
	if _, err := parseDuration("server.resolver.timeout", r.Timeout); err != nil {
		return err
	}
	for host, addr := range r.Overrides {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("config: server.resolver.overrides[%s]: %w", host, err)
		}
	}
	return nil
}

// DefaultTTLDuration returns the parsed default TTL, zero when unset or invalid.
func (c CacheConfig) DefaultTTLDuration() time.Duration {
	d, _ := parseDuration("", c.DefaultTTL)
	return d
}

// CoalesceTimeoutDuration returns the parsed waiter timeout.
func (c CacheConfig) CoalesceTimeoutDuration() time.Duration {
	d, _ := parseDuration("", c.CoalesceTimeout)
	return d
}

// TTLDuration returns the parsed rule TTL.
func (r CacheRule) TTLDuration() time.Duration {
	d, _ := parseDuration("", r.TTL)
	return d
}

// TimeoutDuration returns the parsed DoH query timeout.
func (r ResolverConfig) TimeoutDuration() time.Duration {
	d, _ := parseDuration("", r.Timeout)
	return d
}

// TimeoutDuration returns the parsed upstream request timeout.
func (u UpstreamConfig) TimeoutDuration() time.Duration {
	d, _ := parseDuration("", u.Timeout)
	return d
}

// WindowDuration returns the rolling statistics window.
func (s StatusConfig) WindowDuration() time.Duration {
	d, _ := parseDuration("", s.Window)
	return d
}

func parseDuration(field, value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s negative: %s", field, value)
	}
	return d, nil
}

// DefaultConfig returns the baseline values that mirror the earthquake monitor deployment.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address:   "127.0.0.100",
				HTTPPort:  80,
				HTTPSPort: 443,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Proxy: ProxyConfig{
				DomainSuffix: "bosai.go.jp",
				Hostnames: []string{
					"smi.lmoniexp.bosai.go.jp",
					"www.lmoni.bosai.go.jp",
					"www.kmoni.bosai.go.jp",
				},
			},
			Cache: CacheConfig{
				Backend:              "memory",
				Capacity:             100,
				CompactionPercentage: 0.5,
				MaxContentLength:     80000,
				DefaultTTL:           "1m",
				CoalesceTimeout:      "10s",
				MaxRetries:           5,
				Rules: []CacheRule{
					{Name: "latest-status", Match: `path.contains("latest.json")`, TTL: "900ms"},
				},
				Redis: RedisCacheConfig{KeyPrefix: "kmproxy:response:v1:"},
			},
			Resolver: ResolverConfig{
				Endpoint: "https://dns.google/resolve",
				Mode:     "json",
				Timeout:  "5s",
				RateQPS:  20,
				Burst:    40,
			},
			Upstream: UpstreamConfig{
				Timeout: "30s",
			},
			Certificates: CertificatesConfig{
				IdentityFile:  "config.json",
				StoreDir:      "./certs",
				RootSubject:   "KyoshinMonitorProxy",
				LeafSubject:   "*.bosai.go.jp",
				DNSNames:      []string{"*.bosai.go.jp", "*.lmoni.bosai.go.jp", "*.kmoni.bosai.go.jp"},
				ValidityYears: 2,
			},
			Status: StatusConfig{
				Version: "0.0.3",
				Window:  "1m",
			},
		},
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files lists the configuration documents the loader reads, skipping blanks.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForPath(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalEnvKeys()
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__HTTPPORT -> server.listen.httpPort).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// canonicalEnvKeys maps lower-cased env paths back onto camelCase koanf keys.
func canonicalEnvKeys() map[string]string {
	keys := []string{
		"server.listen.httpPort",
		"server.listen.httpsPort",
		"server.logging.correlationHeader",
		"server.proxy.domainSuffix",
		"server.cache.compactionPercentage",
		"server.cache.maxContentLength",
		"server.cache.defaultTTL",
		"server.cache.coalesceTimeout",
		"server.cache.maxRetries",
		"server.cache.redis.keyPrefix",
		"server.cache.redis.tls.caFile",
		"server.resolver.rateQPS",
		"server.upstream.insecureSkipVerify",
		"server.certificates.identityFile",
		"server.certificates.storeDir",
		"server.certificates.rootSubject",
		"server.certificates.leafSubject",
		"server.certificates.dnsNames",
		"server.certificates.validityYears",
		"server.status.templateDir",
		"server.status.templateFile",
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[strings.ToLower(key)] = key
	}
	return out
}

// structToMap converts a Config into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	rules := make([]any, 0, len(cfg.Server.Cache.Rules))
	for _, rule := range cfg.Server.Cache.Rules {
		rules = append(rules, map[string]any{
			"name":  rule.Name,
			"match": rule.Match,
			"ttl":   rule.TTL,
		})
	}
	overrides := make(map[string]any, len(cfg.Server.Resolver.Overrides))
	for host, addr := range cfg.Server.Resolver.Overrides {
		overrides[host] = addr
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":   cfg.Server.Listen.Address,
				"httpPort":  cfg.Server.Listen.HTTPPort,
				"httpsPort": cfg.Server.Listen.HTTPSPort,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"proxy": map[string]any{
				"domainSuffix": cfg.Server.Proxy.DomainSuffix,
				"hostnames":    cfg.Server.Proxy.Hostnames,
			},
			"cache": map[string]any{
				"backend":              cfg.Server.Cache.Backend,
				"capacity":             cfg.Server.Cache.Capacity,
				"compactionPercentage": cfg.Server.Cache.CompactionPercentage,
				"maxContentLength":     cfg.Server.Cache.MaxContentLength,
				"defaultTTL":           cfg.Server.Cache.DefaultTTL,
				"coalesceTimeout":      cfg.Server.Cache.CoalesceTimeout,
				"maxRetries":           cfg.Server.Cache.MaxRetries,
				"rules":                rules,
				"redis": map[string]any{
					"address":   cfg.Server.Cache.Redis.Address,
					"username":  cfg.Server.Cache.Redis.Username,
					"password":  cfg.Server.Cache.Redis.Password,
					"db":        cfg.Server.Cache.Redis.DB,
					"keyPrefix": cfg.Server.Cache.Redis.KeyPrefix,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"resolver": map[string]any{
				"endpoint":  cfg.Server.Resolver.Endpoint,
				"mode":      cfg.Server.Resolver.Mode,
				"timeout":   cfg.Server.Resolver.Timeout,
				"rateQPS":   cfg.Server.Resolver.RateQPS,
				"burst":     cfg.Server.Resolver.Burst,
				"overrides": overrides,
			},
			"upstream": map[string]any{
				"timeout":            cfg.Server.Upstream.Timeout,
				"insecureSkipVerify": cfg.Server.Upstream.InsecureSkipVerify,
			},
			"certificates": map[string]any{
				"identityFile":  cfg.Server.Certificates.IdentityFile,
				"storeDir":      cfg.Server.Certificates.StoreDir,
				"rootSubject":   cfg.Server.Certificates.RootSubject,
				"leafSubject":   cfg.Server.Certificates.LeafSubject,
				"dnsNames":      cfg.Server.Certificates.DNSNames,
				"validityYears": cfg.Server.Certificates.ValidityYears,
			},
			"status": map[string]any{
				"version":      cfg.Server.Status.Version,
				"window":       cfg.Server.Status.Window,
				"templateDir":  cfg.Server.Status.TemplateDir,
				"templateFile": cfg.Server.Status.TemplateFile,
			},
		},
	}
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Minute, cfg.Server.Cache.DefaultTTLDuration())
	require.Equal(t, 10*time.Second, cfg.Server.Cache.CoalesceTimeoutDuration())
	require.Equal(t, 900*time.Millisecond, cfg.Server.Cache.Rules[0].TTLDuration())
	require.Equal(t, time.Minute, cfg.Server.Status.WindowDuration())
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(cfg *Config)
		wantErr string
	}{
		"http port out of range": {
			mutate:  func(cfg *Config) { cfg.Server.Listen.HTTPPort = 70000 },
			wantErr: "listen.httpPort",
		},
		"both listeners disabled": {
			mutate: func(cfg *Config) {
				cfg.Server.Listen.HTTPPort = 0
				cfg.Server.Listen.HTTPSPort = 0
			},
			wantErr: "at least one",
		},
		"missing domain suffix": {
			mutate:  func(cfg *Config) { cfg.Server.Proxy.DomainSuffix = " " },
			wantErr: "domainSuffix",
		},
		"zero capacity": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.Capacity = 0 },
			wantErr: "capacity",
		},
		"compaction above one": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.CompactionPercentage = 1.5 },
			wantErr: "compactionPercentage",
		},
		"redis without address": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.Backend = "redis" },
			wantErr: "redis.address",
		},
		"unknown backend": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.Backend = "disk" },
			wantErr: "backend unsupported",
		},
		"rule without match": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.Rules = []CacheRule{{TTL: "1s"}} },
			wantErr: "rules[0].match",
		},
		"negative ttl": {
			mutate:  func(cfg *Config) { cfg.Server.Cache.DefaultTTL = "-1s" },
			wantErr: "negative",
		},
		"unknown resolver mode": {
			mutate:  func(cfg *Config) { cfg.Server.Resolver.Mode = "udp" },
			wantErr: "resolver.mode",
		},
		"bad override address": {
			mutate: func(cfg *Config) {
				cfg.Server.Resolver.Overrides = map[string]string{"www.kmoni.bosai.go.jp": "not-an-ip"}
			},
			wantErr: "overrides",
		},
		"no certificate names": {
			mutate:  func(cfg *Config) { cfg.Server.Certificates.DNSNames = nil },
			wantErr: "dnsNames",
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNilConfigValidate(t *testing.T) {
	var cfg *Config
	require.Error(t, cfg.Validate())
}

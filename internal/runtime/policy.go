package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/kmproxy/internal/config"
	"github.com/l0p7/kmproxy/internal/expr"
)

// cachePolicy is the hot-reloadable part of the engine configuration.
type cachePolicy struct {
	defaultTTL       time.Duration
	maxContentLength int64
	coalesceTimeout  time.Duration
	maxRetries       int
	rules            []ttlRule
}

type ttlRule struct {
	name      string
	condition expr.Condition
	ttl       time.Duration
}

func compilePolicy(env *expr.Environment, cfg config.CacheConfig) (*cachePolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy := &cachePolicy{
		defaultTTL:       cfg.DefaultTTLDuration(),
		maxContentLength: cfg.MaxContentLength,
		coalesceTimeout:  cfg.CoalesceTimeoutDuration(),
		maxRetries:       cfg.MaxRetries,
		rules:            make([]ttlRule, 0, len(cfg.Rules)),
	}
	for i, rule := range cfg.Rules {
		condition, err := env.Compile(rule.Match)
		if err != nil {
			return nil, fmt.Errorf("runtime: cache rule %d: %w", i, err)
		}
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		policy.rules = append(policy.rules, ttlRule{name: name, condition: condition, ttl: rule.TTLDuration()})
	}
	return policy, nil
}

// ttlFor returns the TTL of the first matching rule, falling back to the
// default. Rules that fail to evaluate are skipped.
func (p *cachePolicy) ttlFor(vars map[string]any, logger *slog.Logger) (time.Duration, string) {
	for _, rule := range p.rules {
		matched, err := rule.condition.Matches(vars)
		if err != nil {
			if logger != nil {
				logger.Warn("cache rule evaluation failed",
					slog.String("rule", rule.name),
					slog.String("match", rule.condition.String()),
					slog.Any("error", err),
				)
			}
			continue
		}
		if matched {
			return rule.ttl, rule.name
		}
	}
	return p.defaultTTL, "default"
}

// cacheable reports whether the upstream response may be stored. Declared
// lengths above the threshold are rejected up front; unknown lengths are
// checked while buffering.
func (p *cachePolicy) cacheable(r *http.Request, resp *http.Response, ttl time.Duration) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode == http.StatusNotFound {
		return false
	}
	if resp.ContentLength > p.maxContentLength {
		return false
	}
	return ttl > 0
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/l0p7/kmproxy/internal/config"
	"github.com/l0p7/kmproxy/internal/metrics"
)

// ErrResolution wraps every failure to turn a hostname into an address.
var ErrResolution = errors.New("resolver: resolution failed")

// Mode selects the DoH encoding used for upstream queries.
type Mode string

const (
	// ModeJSON queries the Google style JSON API (`?name=<host>&type=1`).
	ModeJSON Mode = "json"
	// ModeWire posts RFC 8484 application/dns-message packets.
	ModeWire Mode = "wire"
)

const (
	typeA          = 1
	cleanupPeriod  = 5 * time.Minute
	defaultTimeout = 5 * time.Second
)

// Options configures a Resolver.
type Options struct {
	Config  config.ResolverConfig
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Resolver maps hostnames to IPv4 addresses through DNS-over-HTTPS and keeps
// each answer until its TTL lapses. Concurrent lookups for the same name are
// not coalesced.
type Resolver struct {
	endpoint  *url.URL
	mode      Mode
	timeout   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
	cache     *gocache.Cache
	overrides map[string]netip.Addr
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// New validates opts and builds a Resolver.
func New(opts Options) (*Resolver, error) {
	cfg := opts.Config
	endpoint, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("resolver: parse endpoint: %w", err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("resolver: endpoint %q must be http(s)", cfg.Endpoint)
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	switch mode {
	case "":
		mode = ModeJSON
	case ModeJSON, ModeWire:
	default:
		return nil, fmt.Errorf("resolver: unsupported mode %q", cfg.Mode)
	}

	overrides := make(map[string]netip.Addr, len(cfg.Overrides))
	for host, raw := range cfg.Overrides {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("resolver: override %s: %w", host, err)
		}
		overrides[normalizeHost(host)] = addr
	}

	limit := rate.Inf
	if cfg.RateQPS > 0 {
		limit = rate.Limit(cfg.RateQPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		endpoint:  endpoint,
		mode:      mode,
		timeout:   timeout,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		cache:     gocache.New(gocache.NoExpiration, cleanupPeriod),
		overrides: overrides,
		logger:    logger.With(slog.String("agent", "resolver")),
		metrics:   opts.Metrics,
	}, nil
}

// Resolve returns the cached address for hostname, querying DoH when the
// cached answer is absent or expired.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (netip.Addr, error) {
	host := normalizeHost(hostname)
	if host == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty hostname", ErrResolution)
	}
	if addr, ok := r.overrides[host]; ok {
		r.metrics.ObserveResolverLookup(metrics.ResolverOverride)
		return addr, nil
	}
	if cached, ok := r.cache.Get(host); ok {
		r.metrics.ObserveResolverLookup(metrics.ResolverCached)
		return cached.(netip.Addr), nil
	}

	ans, err := r.query(ctx, host)
	if err != nil {
		r.metrics.ObserveResolverLookup(metrics.ResolverError)
		r.logger.Warn("resolve failed", slog.String("host", host), slog.Any("error", err))
		return netip.Addr{}, err
	}
	r.metrics.ObserveResolverLookup(metrics.ResolverQueried)
	// go-cache treats a zero duration as its default, so zero TTL answers are not stored.
	if ans.ttl > 0 {
		r.cache.Set(host, ans.addr, ans.ttl)
	}
	r.logger.Debug("resolved",
		slog.String("host", host),
		slog.String("address", ans.addr.String()),
		slog.Duration("ttl", ans.ttl),
	)
	return ans.addr, nil
}

// Expiry reports when the cached answer for hostname lapses.
func (r *Resolver) Expiry(hostname string) (time.Time, bool) {
	_, expires, ok := r.cache.GetWithExpiration(normalizeHost(hostname))
	return expires, ok
}

type answer struct {
	addr netip.Addr
	ttl  time.Duration
}

func (r *Resolver) query(ctx context.Context, host string) (answer, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return answer{}, fmt.Errorf("%w: rate limit wait for %s: %v", ErrResolution, host, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		ans answer
		err error
	)
	switch r.mode {
	case ModeWire:
		ans, err = r.queryWire(ctx, host)
	default:
		ans, err = r.queryJSON(ctx, host)
	}
	if err != nil {
		if errors.Is(err, ErrResolution) {
			return answer{}, err
		}
		return answer{}, fmt.Errorf("%w: %s: %v", ErrResolution, host, err)
	}
	return ans, nil
}

func normalizeHost(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}

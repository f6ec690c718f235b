package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/kmproxy/internal/config"
	"github.com/l0p7/kmproxy/internal/expr"
	"github.com/l0p7/kmproxy/internal/metrics"
	"github.com/l0p7/kmproxy/internal/runtime/cache"
	"github.com/l0p7/kmproxy/internal/templates"
)

// statusClientClosed is recorded when the caller went away before a response.
const statusClientClosed = 499

// AddressResolver finds the real upstream address for a proxied hostname.
type AddressResolver interface {
	Resolve(ctx context.Context, hostname string) (netip.Addr, error)
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Cache    cache.Store
	Resolver AddressResolver
	// Client defaults to NewUpstreamClient(Upstream).
	Client   httpDoer
	Upstream config.UpstreamConfig
	Policy   config.CacheConfig
	Status   config.StatusConfig
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine serves proxied requests from the response cache, coalescing
// concurrent misses for the same key into a single upstream fetch.
type Engine struct {
	cache    cache.Store
	resolver AddressResolver
	client   httpDoer
	env      *expr.Environment
	policy   atomic.Pointer[cachePolicy]
	inflight *inflightTable
	stats    *statsLog
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	memory   func() uint64

	version        string
	statusTemplate *templates.Template
}

// NewEngine validates opts and compiles the cache policy.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Cache == nil {
		return nil, errors.New("runtime: engine requires a cache store")
	}
	if opts.Resolver == nil {
		return nil, errors.New("runtime: engine requires a resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	policy, err := compilePolicy(env, opts.Policy)
	if err != nil {
		return nil, err
	}
	tmpl, err := compileStatusTemplate(opts.Status)
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = NewUpstreamClient(opts.Upstream)
	}

	e := &Engine{
		cache:          opts.Cache,
		resolver:       opts.Resolver,
		client:         client,
		env:            env,
		inflight:       newInflightTable(),
		stats:          newStatsLog(opts.Status.WindowDuration(), now),
		metrics:        opts.Metrics,
		logger:         logger.With(slog.String("agent", "engine")),
		now:            now,
		memory:         processMemory,
		version:        opts.Status.Version,
		statusTemplate: tmpl,
	}
	e.policy.Store(policy)
	return e, nil
}

// UpdatePolicy swaps in a new cache policy. Requests already running keep the
// policy they started with.
func (e *Engine) UpdatePolicy(cfg config.CacheConfig) error {
	policy, err := compilePolicy(e.env, cfg)
	if err != nil {
		return err
	}
	e.policy.Store(policy)
	e.logger.Info("cache policy updated",
		slog.Int("rules", len(policy.rules)),
		slog.Duration("default_ttl", policy.defaultTTL),
		slog.Int64("max_content_length", policy.maxContentLength),
	)
	return nil
}

// Close releases the cache store.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// CacheKey identifies the cached resource for r: scheme, host without port,
// and path. Query strings and headers are ignored.
func CacheKey(r *http.Request) string {
	return requestScheme(r) + "://" + requestHost(r) + r.URL.Path
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); proto == "https" || proto == "http" {
		return proto
	}
	return "http"
}

func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// ServeProxy answers r from the cache or from the resolved upstream.
func (e *Engine) ServeProxy(w http.ResponseWriter, r *http.Request) {
	start := e.now()
	key := CacheKey(r)
	logger := e.logger.With(slog.String("key", key), slog.String("method", r.Method))

	outcome, status, err := e.serve(w, r, key, logger)
	if err != nil {
		outcome = metrics.ProxyOutcomeError
		switch {
		case r.Context().Err() != nil:
			status = statusClientClosed
			logger.Debug("client went away", slog.Any("error", err))
		default:
			status = statusForError(err)
			logger.Warn("proxy request failed", slog.Int("status", status), slog.Any("error", err))
			http.Error(w, fmt.Sprintf("%d %s / %s", status, http.StatusText(status), errorMessage(err)), status)
		}
	}
	e.metrics.ObserveProxy(outcome, status, e.now().Sub(start))
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrCoalescingTimeout):
		return "timed out waiting for upstream"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream timed out"
	case errors.Is(err, ErrRetriesExhausted):
		return "upstream busy"
	default:
		return "upstream unavailable"
	}
}

// serve runs the lookup, coalesce and fetch loop. A returned error means
// nothing has been written to w yet.
func (e *Engine) serve(w http.ResponseWriter, r *http.Request, key string, logger *slog.Logger) (metrics.ProxyOutcome, int, error) {
	ctx := r.Context()
	policy := e.policy.Load()

	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		if entry, ok := e.lookup(ctx, key, logger); ok {
			return metrics.ProxyOutcomeHit, e.serveEntry(w, r, entry), nil
		}

		release, wait, acquired := e.inflight.tryAcquire(key)
		if !acquired {
			if err := e.awaitRelease(ctx, wait, policy.coalesceTimeout); err != nil {
				e.stats.record(false)
				return "", 0, err
			}
			continue
		}

		// A fetch may have finished between the lookup and the acquire.
		if entry, ok := e.lookup(ctx, key, logger); ok {
			release()
			return metrics.ProxyOutcomeHit, e.serveEntry(w, r, entry), nil
		}
		return e.fetch(w, r, key, policy, release, logger)
	}
	e.stats.record(false)
	return "", 0, ErrRetriesExhausted
}

func (e *Engine) awaitRelease(ctx context.Context, wait <-chan struct{}, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-wait:
		e.metrics.ObserveCoalescedWait(metrics.WaitReleased)
		return nil
	case <-expired:
		e.metrics.ObserveCoalescedWait(metrics.WaitTimeout)
		return ErrCoalescingTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(ctx context.Context, key string, logger *slog.Logger) (cache.Entry, bool) {
	start := time.Now()
	entry, ok, err := e.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		e.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		logger.Warn("cache lookup failed", slog.Any("error", err))
		return cache.Entry{}, false
	case !ok:
		e.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return cache.Entry{}, false
	default:
		e.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
		return entry, true
	}
}

func (e *Engine) serveEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry) int {
	e.stats.record(true)
	e.stats.addSaved(len(entry.Body))
	e.metrics.AddSavedBytes(len(entry.Body))
	return writeEntry(w, r, entry, cachedHopHeaders)
}

func writeEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry, skip []string) int {
	copyHeader(w.Header(), entry.Header, skip)
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
	return entry.Status
}

// fetch performs the upstream round trip while holding the in-flight marker
// for key. The marker is released on every return path.
func (e *Engine) fetch(w http.ResponseWriter, r *http.Request, key string, policy *cachePolicy, release func(), logger *slog.Logger) (metrics.ProxyOutcome, int, error) {
	defer release()
	e.stats.record(false)

	ctx := r.Context()
	scheme := requestScheme(r)
	host := requestHost(r)

	addr, err := e.resolver.Resolve(ctx, host)
	if err != nil {
		return "", 0, err
	}
	req, err := newUpstreamRequest(withUpstreamAddr(ctx, addr), r, scheme)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, classifyUpstreamError(err)
	}
	defer resp.Body.Close()

	ttl, rule := policy.ttlFor(expr.RequestVars(r, scheme, host), logger)
	if !policy.cacheable(r, resp, ttl) {
		e.metrics.ObserveCacheStore(metrics.CacheStoreSkipped, 0)
		logger.Debug("streaming uncacheable response", slog.Int("status", resp.StatusCode), slog.Int64("content_length", resp.ContentLength))
		return metrics.ProxyOutcomeMiss, e.stream(w, r, resp, nil, logger), nil
	}

	body, complete, err := readBounded(resp.Body, policy.maxContentLength)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, classifyUpstreamError(err)
	}
	if !complete {
		e.metrics.ObserveCacheStore(metrics.CacheStoreSkipped, 0)
		logger.Debug("response exceeded cacheable size, streaming", slog.Int64("max_content_length", policy.maxContentLength))
		return metrics.ProxyOutcomeMiss, e.stream(w, r, resp, body, logger), nil
	}

	now := e.now()
	entry := cache.Entry{
		Status:    resp.StatusCode,
		Header:    filterHeader(resp.Header, hopHeaders),
		Body:      body,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	storeStart := time.Now()
	if err := e.cache.Store(ctx, key, entry); err != nil {
		e.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(storeStart))
		logger.Warn("cache store failed", slog.Any("error", err))
	} else {
		e.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(storeStart))
		logger.Debug("response cached", slog.String("rule", rule), slog.Duration("ttl", ttl), slog.Int("bytes", len(body)))
	}
	return metrics.ProxyOutcomeMiss, writeEntry(w, r, entry, hopHeaders), nil
}

// stream relays resp to w, replaying any prefix already read from its body.
func (e *Engine) stream(w http.ResponseWriter, r *http.Request, resp *http.Response, prefix []byte, logger *slog.Logger) int {
	copyHeader(w.Header(), resp.Header, hopHeaders)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return resp.StatusCode
	}
	body := io.MultiReader(bytes.NewReader(prefix), resp.Body)
	if _, err := io.Copy(w, body); err != nil {
		logger.Debug("streaming response interrupted", slog.Any("error", err))
	}
	return resp.StatusCode
}

// readBounded reads at most limit bytes. complete is false when the body is
// longer than limit, in which case the bytes read so far are returned.
func readBounded(body io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data, false, nil
	}
	return data, true, nil
}

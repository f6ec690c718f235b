package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/kmproxy/internal/config"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// hopHeaders are dropped from mirrored requests and from responses relayed
// straight from upstream.
var hopHeaders = []string{"Transfer-Encoding", "Connection", "Keep-Alive", "KeepAlive", "Close"}

// cachedHopHeaders are stripped when replaying a stored entry.
var cachedHopHeaders = []string{"Transfer-Encoding", "Connection"}

type upstreamAddrKey struct{}

func withUpstreamAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, upstreamAddrKey{}, addr)
}

// NewUpstreamClient builds the client used against resolved upstreams. The
// request URL keeps the original hostname so SNI and certificate checks use
// it, while the dialer connects to the address resolved over DoH. The
// transport negotiates gzip itself and hands back decoded bodies.
func NewUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialResolved(dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-out
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TimeoutDuration(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func dialResolved(dialer *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if addr, ok := ctx.Value(upstreamAddrKey{}).(netip.Addr); ok && addr.IsValid() {
			_, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			address = net.JoinHostPort(addr.String(), port)
		}
		return dialer.DialContext(ctx, network, address)
	}
}

// newUpstreamRequest mirrors method, path, headers and body of r for the
// upstream, preserving the inbound Host. The query is dropped because it is
// not part of the cache key.
func newUpstreamRequest(ctx context.Context, r *http.Request, scheme string) (*http.Request, error) {
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawPath: r.URL.RawPath}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("runtime: build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, name := range connectionTokens(r.Header) {
		req.Header.Del(name)
	}
	for _, name := range hopHeaders {
		req.Header.Del(name)
	}
	// Cached bodies are shared by every client, so they are kept decoded.
	req.Header.Del("Accept-Encoding")
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	req.Host = r.Host
	return req, nil
}

// connectionTokens lists the headers named by Connection, which are hop-by-hop too.
func connectionTokens(h http.Header) []string {
	var out []string
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				out = append(out, token)
			}
		}
	}
	return out
}

func copyHeader(dst, src http.Header, skip []string) {
	for name, values := range src {
		if containsFold(skip, name) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

func filterHeader(src http.Header, skip []string) http.Header {
	out := make(http.Header, len(src))
	copyHeader(out, src, skip)
	return out
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	statusTextPath = "/kmp-status"
	statusJSONPath = "/kmp-status.json"
	metricsPath    = "/metrics"
)

// ProxyHTTP is the surface the router needs from the caching engine.
type ProxyHTTP interface {
	ServeProxy(http.ResponseWriter, *http.Request)
	ServeStatusText(http.ResponseWriter, *http.Request)
	ServeStatusJSON(http.ResponseWriter, *http.Request)
}

// RouterOptions configures NewProxyHandler.
type RouterOptions struct {
	// DomainSuffix selects the hosts forwarded to the engine.
	DomainSuffix string
	// Metrics serves /metrics for non-proxied hosts when set.
	Metrics           http.Handler
	Logger            *slog.Logger
	CorrelationHeader string
}

// NewProxyHandler dispatches status endpoints, then proxied hosts, and
// rejects everything else with 400.
func NewProxyHandler(p ProxyHTTP, opts RouterOptions) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}
	suffix := strings.ToLower(strings.TrimSpace(opts.DomainSuffix))
	routes := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case statusTextPath:
			p.ServeStatusText(w, r)
			return
		case statusJSONPath:
			p.ServeStatusJSON(w, r)
			return
		}
		if suffix != "" && strings.HasSuffix(hostname(r.Host), suffix) {
			p.ServeProxy(w, r)
			return
		}
		if r.URL.Path == metricsPath && opts.Metrics != nil {
			opts.Metrics.ServeHTTP(w, r)
			return
		}
		writeBadRequest(w, "cannot proxied host name")
	})
	logger := opts.Logger
	if logger == nil {
		return routes
	}
	return withRequestLogging(routes, logger, opts.CorrelationHeader)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte("400 Bad Request / " + message + "(kmproxy)"))
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

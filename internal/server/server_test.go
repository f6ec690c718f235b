package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/kmproxy/internal/certs"
	"github.com/l0p7/kmproxy/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func issueLeaf(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	now := time.Now()
	root, err := certs.NewRootCA(certs.DefaultProfile(), now)
	require.NoError(t, err)
	leaf, err := certs.IssueLeaf(root, certs.DefaultProfile(), now)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)
	return leaf.TLSCertificate(root), pool
}

func TestNewValidatesListeners(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg, newTestLogger(), nil, nil)
	require.Error(t, err)

	_, err = New(cfg, newTestLogger(), http.NewServeMux(), nil)
	require.ErrorContains(t, err, "certificate")

	cfg.Server.Listen.HTTPSPort = 0
	cfg.Server.Listen.HTTPPort = 0
	_, err = New(cfg, newTestLogger(), http.NewServeMux(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddresses(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.HTTPPort = 9080
	cfg.Server.Listen.HTTPSPort = 9443
	cert, _ := issueLeaf(t)

	srv, err := New(cfg, newTestLogger(), http.NewServeMux(), &cert)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9080", srv.httpServer.Addr)
	require.Equal(t, "127.0.0.1:9443", srv.httpsServer.Addr)
	require.Len(t, srv.httpsServer.TLSConfig.Certificates, 1)
}

func TestServeHandlesBothListenersAndShutsDown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cert, pool := issueLeaf(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			_, _ = io.WriteString(w, "tls:"+r.Host)
			return
		}
		_, _ = io.WriteString(w, "plain:"+r.Host)
	})
	srv, err := New(cfg, newTestLogger(), handler, &cert)
	require.NoError(t, err)

	plain, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	secure, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, plain, secure) }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, ServerName: "www.kmoni.bosai.go.jp"},
		},
	}

	resp, err := client.Get("http://" + plain.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "plain:"+plain.Addr().String(), string(body))

	resp, err = client.Get("https://" + secure.Addr().String() + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "tls:"+secure.Addr().String(), string(body))

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return after cancellation")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.HTTPPort = port
	cfg.Server.Listen.HTTPSPort = 0

	srv, err := New(cfg, newTestLogger(), http.NewServeMux(), nil)
	require.NoError(t, err)
	err = srv.Run(context.Background())
	require.ErrorContains(t, err, "listen")
}

func TestServeRequiresListener(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.HTTPSPort = 0
	srv, err := New(cfg, newTestLogger(), http.NewServeMux(), nil)
	require.NoError(t, err)
	require.Error(t, srv.Serve(context.Background(), nil, nil))

	secure, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer secure.Close()
	require.Error(t, srv.Serve(context.Background(), nil, secure))
}

package runtime

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/kmproxy/internal/config"
)

func statusHarness(t *testing.T, mutate func(*EngineOptions)) *harness {
	t.Helper()
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}, mutate)
	h.engine.memory = func() uint64 { return 4096 }
	return h
}

func TestServeStatusJSON(t *testing.T) {
	h := statusHarness(t, nil)
	h.do(t, http.MethodGet, "/a.json", nil)
	h.do(t, http.MethodGet, "/a.json", nil)
	h.do(t, http.MethodGet, "/a.json", nil)

	rec := httptest.NewRecorder()
	h.engine.ServeStatusJSON(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.100/kmp-status.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "0.0.3", doc["version"])
	require.EqualValues(t, 3, doc["requestCount"])
	require.EqualValues(t, 2, doc["hitCacheCount"])
	require.EqualValues(t, 1, doc["missCacheCount"])
	require.EqualValues(t, 4096, doc["usedMemoryBytes"])
	require.EqualValues(t, 20, doc["savedBytes"])
	require.Len(t, doc, 6)
}

func TestServeStatusText(t *testing.T) {
	h := statusHarness(t, nil)
	h.do(t, http.MethodGet, "/a.json", nil)
	h.do(t, http.MethodGet, "/a.json", nil)

	rec := httptest.NewRecorder()
	h.engine.ServeStatusText(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.100/kmp-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `text/plain; charset="UTF-8"`, rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Contains(t, body, "KyoshinMonitorProxy Ver.0.0.3\n")
	require.Contains(t, body, "Requests: 2\n")
	require.Contains(t, body, "Cache hits: 1 (50.00%)\n")
	require.Contains(t, body, "Cache misses: 1 (50.00%)\n")
	require.Contains(t, body, "Memory usage: 4096bytes\n")
	require.Contains(t, body, "https://github.com/ingen084/KyoshinMonitorProxy/releases")
}

func TestServeStatusTextEmptyWindow(t *testing.T) {
	h := statusHarness(t, nil)

	rec := httptest.NewRecorder()
	h.engine.ServeStatusText(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.100/kmp-status", nil))
	require.Contains(t, rec.Body.String(), "Cache hits: 0 (0.00%)")
}

func TestServeStatusTextOperatorTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.tmpl"),
		[]byte(`{{ .Version | upper }} {{ .RequestCount }}/{{ .SavedBytes }}`), 0o600))

	h := statusHarness(t, func(opts *EngineOptions) {
		opts.Status.TemplateDir = dir
		opts.Status.TemplateFile = "status.tmpl"
		opts.Status.Version = "v1"
	})

	rec := httptest.NewRecorder()
	h.engine.ServeStatusText(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.100/kmp-status", nil))
	require.Equal(t, "V1 0/0", rec.Body.String())
}

func TestStatusTemplateMustStayInSandbox(t *testing.T) {
	_, err := compileStatusTemplate(config.StatusConfig{TemplateDir: t.TempDir(), TemplateFile: "../../etc/passwd"})
	require.Error(t, err)
}

func TestStatusWindowPrunesOldRecords(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	stats := newStatsLog(time.Minute, clock.Now)

	stats.record(false)
	clock.Advance(30 * time.Second)
	stats.record(true)
	stats.addSaved(10)
	stats.addSaved(-1)

	snap := stats.snapshot()
	require.Equal(t, 2, snap.requests)
	require.Equal(t, 1, snap.hits)
	require.Equal(t, 1, snap.misses)

	clock.Advance(30 * time.Second)
	snap = stats.snapshot()
	require.Equal(t, 1, snap.requests)
	require.Equal(t, 1, snap.hits)

	clock.Advance(time.Minute)
	snap = stats.snapshot()
	require.Zero(t, snap.requests)
	require.Equal(t, uint64(10), snap.savedBytes)
}

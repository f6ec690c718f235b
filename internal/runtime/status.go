package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/l0p7/kmproxy/internal/config"
	"github.com/l0p7/kmproxy/internal/templates"
)

const productName = "KyoshinMonitorProxy"

const defaultStatusTemplate = `{{ .Product }} Ver.{{ .Version }}
Statistics as of {{ .Time | date "2006/01/02 15:04:05" }} (past {{ .Window }})
Requests: {{ .RequestCount }}
Cache hits: {{ .HitCacheCount }} ({{ printf "%.2f" .HitPercent }}%)
Cache misses: {{ .MissCacheCount }} ({{ printf "%.2f" .MissPercent }}%)
Memory usage: {{ .UsedMemoryBytes }}bytes

Source: https://github.com/ingen084/KyoshinMonitorProxy
Releases: https://github.com/ingen084/KyoshinMonitorProxy/releases`

// StatusReport is the data behind both status endpoints.
type StatusReport struct {
	Product         string        `json:"-"`
	Version         string        `json:"version"`
	Time            time.Time     `json:"-"`
	Window          time.Duration `json:"-"`
	RequestCount    int           `json:"requestCount"`
	HitCacheCount   int           `json:"hitCacheCount"`
	MissCacheCount  int           `json:"missCacheCount"`
	HitPercent      float64       `json:"-"`
	MissPercent     float64       `json:"-"`
	UsedMemoryBytes uint64        `json:"usedMemoryBytes"`
	SavedBytes      uint64        `json:"savedBytes"`
}

// compileStatusTemplate loads the operator template when one is configured
// and falls back to the built-in page otherwise.
func compileStatusTemplate(cfg config.StatusConfig) (*templates.Template, error) {
	if strings.TrimSpace(cfg.TemplateFile) == "" {
		return templates.NewRenderer(nil).CompileInline("status", defaultStatusTemplate)
	}
	sandbox, err := templates.NewSandbox(cfg.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: status template: %w", err)
	}
	tmpl, err := templates.NewRenderer(sandbox).CompileFile(cfg.TemplateFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: status template: %w", err)
	}
	return tmpl, nil
}

// Status reports the rolling statistics window and process memory.
func (e *Engine) Status() StatusReport {
	snap := e.stats.snapshot()
	report := StatusReport{
		Product:         productName,
		Version:         e.version,
		Time:            e.now(),
		Window:          e.stats.window,
		RequestCount:    snap.requests,
		HitCacheCount:   snap.hits,
		MissCacheCount:  snap.misses,
		UsedMemoryBytes: e.memory(),
		SavedBytes:      snap.savedBytes,
	}
	if snap.requests > 0 {
		report.HitPercent = float64(snap.hits) / float64(snap.requests) * 100
		report.MissPercent = float64(snap.misses) / float64(snap.requests) * 100
	}
	return report
}

// ServeStatusText renders the plain-text status page.
func (e *Engine) ServeStatusText(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := e.statusTemplate.Execute(&buf, e.Status()); err != nil {
		e.logger.Error("status template failed", slog.Any("error", err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `text/plain; charset="UTF-8"`)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}

// ServeStatusJSON writes the structured status document.
func (e *Engine) ServeStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(e.Status()); err != nil {
		e.logger.Debug("status encode failed", slog.Any("error", err))
	}
}

func processMemory() uint64 {
	goruntime.GC()
	var stats goruntime.MemStats
	goruntime.ReadMemStats(&stats)
	return stats.Alloc
}

// Package status exposes the local reporting endpoint: a text snapshot of
// per-link health, prometheus metrics, and pprof. It is meant to be bound to
// a loopback address.
package status

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/abdshomad/onebox-rs/pkg/bond"
	"github.com/klauspost/compress/gzhttp"
)

// Handler builds the status HTTP handler.
type Handler struct {
	// Links, if set, supplies the per-link health snapshot for /status.
	Links func() []bond.LinkReport

	// Metrics are appended to the process metrics on /metrics.
	Metrics []func(io.Writer)
}

// New returns the status endpoint handler with response compression.
func New(h Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.serveStatus)
	mux.HandleFunc("/metrics", h.serveMetrics)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return gzhttp.GzipHandler(mux)
}

func (h Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	if h.Links != nil {
		for _, lr := range h.Links() {
			fmt.Fprintf(&b, "%s\t%s\trtt=%s\tloss=%.1f%%\n",
				lr.Name, lr.Status, lr.RTT.Round(time.Millisecond), lr.LossPercent)
		}
	}
	if b.Len() == 0 {
		b.WriteString("no links\n")
	}

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

func (h Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	metrics.WriteProcessMetrics(&b)
	for _, m := range h.Metrics {
		b.WriteByte('\n')
		m(&b)
	}

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

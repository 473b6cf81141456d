// Package metrics keeps process-wide counters and histograms and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "credproof"

// Outcomes shared by the storage and operation series.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeError   = "error"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var defaultLatencyBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe adds value to every bucket whose bound is >= value. Values above
// the last bound only show up in the +Inf bucket through count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

// series identifies one labelled sample. Labels are stored as alternating
// name/value pairs in a fixed order.
type series struct {
	name   string
	labels string
}

type family struct {
	help string
	kind string
}

// registry 保存所有指标，渲染时按名称与标签排序保证输出稳定。
type registry struct {
	mu         sync.Mutex
	families   map[string]family
	counters   map[series]uint64
	histograms map[series]*histogram
}

var defaultRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{
		families:   make(map[string]family),
		counters:   make(map[series]uint64),
		histograms: make(map[series]*histogram),
	}
}

func (r *registry) describe(name, kind, help string) {
	r.families[name] = family{help: help, kind: kind}
}

func (r *registry) inc(name string, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[series{name: name, labels: formatLabels(labels)}]++
}

func (r *registry) observe(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := series{name: name, labels: formatLabels(labels)}
	hist := r.histograms[key]
	if hist == nil {
		hist = newHistogram(defaultLatencyBuckets)
		r.histograms[key] = hist
	}
	hist.observe(value)
}

func (r *registry) counter(name string, labels ...string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[series{name: name, labels: formatLabels(labels)}]
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[series]uint64)
	r.histograms = make(map[series]*histogram)
}

func (r *registry) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	var builder strings.Builder
	builder.Grow(2048)
	for _, name := range names {
		fam := r.families[name]
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, fam.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, fam.kind))
		switch fam.kind {
		case "counter":
			for _, key := range sortedKeys(r.counters, name) {
				builder.WriteString(fmt.Sprintf("%s%s %d\n", name, braces(key.labels), r.counters[key]))
			}
		case "histogram":
			for _, key := range sortedKeys(r.histograms, name) {
				hist := r.histograms[key]
				for idx, bound := range hist.buckets {
					builder.WriteString(fmt.Sprintf("%s_bucket%s %d\n", name,
						braces(joinLabels(key.labels, `le="`+formatFloat(bound)+`"`)), hist.counts[idx]))
				}
				builder.WriteString(fmt.Sprintf("%s_bucket%s %d\n", name, braces(joinLabels(key.labels, `le="+Inf"`)), hist.count))
				builder.WriteString(fmt.Sprintf("%s_sum%s %s\n", name, braces(key.labels), formatFloat(hist.sum)))
				builder.WriteString(fmt.Sprintf("%s_count%s %d\n", name, braces(key.labels), hist.count))
			}
		}
	}
	return builder.String()
}

func sortedKeys[V any](m map[series]V, name string) []series {
	var keys []series
	for key := range m {
		if key.name == name {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].labels < keys[j].labels })
	return keys
}

func formatLabels(pairs []string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escape(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

func joinLabels(labels, extra string) string {
	if labels == "" {
		return extra
	}
	return labels + "," + extra
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultRegistry.render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// Package monitoring keeps process and pipeline counters and renders them
// in the Prometheus text format.
package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"tfinance/pipeline"
)

type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

type Metric struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	Help   string            `json:"help,omitempty"`
}

type gaugeFunc struct {
	help string
	fn   func() float64
}

// MetricsCollector holds the latest value of every series. It implements
// pipeline.Observer.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	gauges  map[string]gaugeFunc

	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		metrics:   make(map[string]*Metric),
		gauges:    make(map[string]gaugeFunc),
		startTime: time.Now(),
	}
	mc.RegisterGaugeFunc("tfinance_uptime_seconds", "Seconds since the process started", func() float64 {
		return time.Since(mc.startTime).Seconds()
	})
	mc.RegisterGaugeFunc("tfinance_goroutines", "Number of goroutines", func() float64 {
		return float64(runtime.NumGoroutine())
	})
	return mc
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (mc *MetricsCollector) record(name, help string, typ MetricType, labels map[string]string, apply func(*Metric)) {
	key := seriesKey(name, labels)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	m, ok := mc.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels, Help: help}
		mc.metrics[key] = m
	}
	apply(m)
}

func (mc *MetricsCollector) IncrCounter(name, help string, value float64, labels map[string]string) {
	mc.record(name, help, MetricTypeCounter, labels, func(m *Metric) { m.Value += value })
}

func (mc *MetricsCollector) SetGauge(name, help string, value float64, labels map[string]string) {
	mc.record(name, help, MetricTypeGauge, labels, func(m *Metric) { m.Value = value })
}

// RegisterGaugeFunc adds a gauge evaluated on every export.
func (mc *MetricsCollector) RegisterGaugeFunc(name, help string, fn func() float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.gauges[name] = gaugeFunc{help: help, fn: fn}
}

// Observe counts pipeline transitions by artifact kind and state.
func (mc *MetricsCollector) Observe(e pipeline.Event) {
	kind := e.Artifact
	if kind != pipeline.TickersArtifact && kind != pipeline.SectorsArtifact {
		kind = "history"
	}
	mc.IncrCounter("tfinance_artifact_transitions_total", "Artifact state transitions",
		1, map[string]string{"artifact": kind, "state": e.State.String()})
	if e.Err != "" {
		mc.IncrCounter("tfinance_artifact_failures_total", "Artifacts that failed to persist",
			1, map[string]string{"artifact": kind})
	}
	mc.SetGauge("tfinance_last_event_timestamp_seconds", "Time of the latest pipeline event",
		float64(e.Time.Unix()), nil)
}

// Snapshot returns a copy of every series, gauge funcs included, sorted
// by name and labels.
func (mc *MetricsCollector) Snapshot() []Metric {
	mc.mu.RLock()
	keys := make([]string, 0, len(mc.metrics)+len(mc.gauges))
	series := make(map[string]Metric, len(mc.metrics)+len(mc.gauges))
	for k, m := range mc.metrics {
		keys = append(keys, k)
		series[k] = *m
	}
	gauges := make(map[string]gaugeFunc, len(mc.gauges))
	for name, g := range mc.gauges {
		gauges[name] = g
	}
	mc.mu.RUnlock()

	// gauge funcs may take their own locks
	for name, g := range gauges {
		keys = append(keys, name)
		series[name] = Metric{Name: name, Type: MetricTypeGauge, Value: g.fn(), Help: g.help}
	}

	// group series of one metric together
	sort.Slice(keys, func(i, j int) bool {
		a, b := series[keys[i]], series[keys[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return keys[i] < keys[j]
	})
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, series[k])
	}
	return out
}

// ExportPrometheus renders the text exposition format.
func (mc *MetricsCollector) ExportPrometheus() string {
	var b strings.Builder
	described := make(map[string]bool)
	for _, m := range mc.Snapshot() {
		if !described[m.Name] {
			help := m.Help
			if help == "" {
				help = "Metric " + m.Name
			}
			fmt.Fprintf(&b, "# HELP %s %s\n", m.Name, help)
			fmt.Fprintf(&b, "# TYPE %s %s\n", m.Name, m.Type)
			described[m.Name] = true
		}
		fmt.Fprintf(&b, "%s %g\n", seriesKey(m.Name, m.Labels), m.Value)
	}
	return b.String()
}

func (mc *MetricsCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, mc.ExportPrometheus())
	})
}

func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.startTime)
}

package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter serves metrics in Prometheus text exposition format at
// the /metrics HTTP endpoint. It bridges this package's lightweight Counter/
// Gauge/Histogram primitives into a prometheus.Registry on each scrape via
// the prometheus.Collector interface, so the actual exposition format and
// HTTP handler come from github.com/prometheus/client_golang rather than a
// hand-rolled text writer.

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "eth2030" produces "eth2030_chain_height").
	Namespace string
	// EnableRuntime controls whether Go runtime metrics (goroutines,
	// memory, GC) are included in the output.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:     "eth2030",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// CustomCollector is an interface for registering arbitrary metric producers
// that are called during each scrape.
type CustomCollector interface {
	// Collect returns the data points to expose; the exporter converts each
	// MetricLine into a Prometheus gauge.
	Collect() []MetricLine
}

// MetricLine represents a single Prometheus metric data point with optional labels.
type MetricLine struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// PrometheusExporter formats and serves metrics over HTTP.
type PrometheusExporter struct {
	config     PrometheusConfig
	registry   *Registry
	promReg    *prometheus.Registry
	collector  *bridgeCollector
	started    time.Time
}

// NewPrometheusExporter creates a new exporter that reads from the given registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}

	promReg := prometheus.NewRegistry()
	bc := &bridgeCollector{
		registry:  registry,
		namespace: config.Namespace,
	}
	promReg.MustRegister(bc)
	if config.EnableRuntime {
		promReg.MustRegister(prometheus.NewGoCollector())
		promReg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return &PrometheusExporter{
		config:    config,
		registry:  registry,
		promReg:   promReg,
		collector: bc,
		started:   time.Now(),
	}
}

// RegisterCollector adds a named custom collector. If a collector with the
// same name exists, it is replaced.
func (pe *PrometheusExporter) RegisterCollector(name string, c CustomCollector) {
	pe.collector.setCustom(name, c)
}

// UnregisterCollector removes a previously registered custom collector.
func (pe *PrometheusExporter) UnregisterCollector(name string) {
	pe.collector.deleteCustom(name)
}

// Handler returns an http.Handler that serves the /metrics endpoint using
// the real Prometheus exposition-format writer (promhttp).
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(pe.config.Path, promhttp.HandlerFor(pe.promReg, promhttp.HandlerOpts{}))
	return mux
}

// bridgeCollector implements prometheus.Collector over this package's
// Registry, plus any custom collectors registered with the exporter.
type bridgeCollector struct {
	mu        sync.RWMutex
	registry  *Registry
	namespace string
	custom    map[string]CustomCollector
}

func (bc *bridgeCollector) setCustom(name string, c CustomCollector) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.custom == nil {
		bc.custom = make(map[string]CustomCollector)
	}
	bc.custom[name] = c
}

func (bc *bridgeCollector) deleteCustom(name string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.custom, name)
}

// Describe is a no-op: this bridge collects dynamically named metrics, so
// it reports itself unchecked (every metric is a ConstMetric built fresh on
// each Collect call, which prometheus.Registry supports without Describe).
func (bc *bridgeCollector) Describe(ch chan<- *prometheus.Desc) {}

func (bc *bridgeCollector) Collect(ch chan<- prometheus.Metric) {
	snap := bc.registry.Snapshot()
	for name, v := range snap {
		promName := bc.promName(name)
		switch val := v.(type) {
		case int64:
			desc := prometheus.NewDesc(promName, name, nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(val))
		case map[string]interface{}:
			for suffix, fv := range val {
				f, ok := fv.(float64)
				if !ok {
					if iv, ok := fv.(int64); ok {
						f = float64(iv)
					} else {
						continue
					}
				}
				desc := prometheus.NewDesc(promName+"_"+suffix, name+" "+suffix, nil, nil)
				ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, f)
			}
		}
	}

	bc.mu.RLock()
	customs := make(map[string]CustomCollector, len(bc.custom))
	for k, v := range bc.custom {
		customs[k] = v
	}
	bc.mu.RUnlock()

	for _, c := range customs {
		for _, line := range c.Collect() {
			labelNames := make([]string, 0, len(line.Labels))
			labelValues := make([]string, 0, len(line.Labels))
			for k, v := range line.Labels {
				labelNames = append(labelNames, k)
				labelValues = append(labelValues, v)
			}
			desc := prometheus.NewDesc(bc.promName(line.Name), line.Name, labelNames, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, line.Value, labelValues...)
		}
	}
}

func (bc *bridgeCollector) promName(name string) string {
	sanitized := sanitizeMetricName(name)
	if bc.namespace != "" {
		return bc.namespace + "_" + sanitized
	}
	return sanitized
}

// sanitizeMetricName converts a dot/dash-separated metric name into the
// underscore-separated form Prometheus metric names require.
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}

// goroutineCount is a thin wrapper kept for custom collectors that want to
// report the current goroutine count alongside their own metrics.
func goroutineCount() int { return runtime.NumGoroutine() }

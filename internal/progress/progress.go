// Package progress reports export progress to the log and to Prometheus.
package progress

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Metrics holds the export collectors on a private registry so a batch run
// can dump them as a node_exporter textfile.
type Metrics struct {
	Registry *prometheus.Registry

	features *prometheus.CounterVec
	total    *prometheus.GaugeVec
	position *prometheus.GaugeVec
	exports  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the export collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		features: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layer2geojson_features_written_total",
			Help: "Features written per layer.",
		}, []string{"layer"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layer2geojson_layer_records",
			Help: "Record count reported by the layer source.",
		}, []string{"layer"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layer2geojson_layer_position",
			Help: "Last reported record position of a running export.",
		}, []string{"layer"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layer2geojson_exports_total",
			Help: "Finished exports by layer and status.",
		}, []string{"layer", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "layer2geojson_export_duration_seconds",
			Help:    "Export duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"layer"}),
	}

	m.Registry.MustRegister(m.features, m.total, m.position, m.exports, m.duration)
	return m
}

// ObserveExport records the outcome of one export.
func (m *Metrics) ObserveExport(layer string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.exports.WithLabelValues(layer, status).Inc()
	m.duration.WithLabelValues(layer).Observe(elapsed.Seconds())
}

// WriteTextfile writes every collected metric to path in the text format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// Reporter implements geo.Progress for one layer. Metrics may be nil.
type Reporter struct {
	started time.Time
	metrics *Metrics
	layer   string
	total   int
}

// New creates a reporter for layer.
func New(layer string, metrics *Metrics) *Reporter {
	return &Reporter{layer: layer, metrics: metrics}
}

func (r *Reporter) Start(total int) {
	r.started = time.Now()
	r.total = total

	log.Info().
		Str("layer", r.layer).
		Int("records", total).
		Msg("Writing records")

	if r.metrics != nil {
		r.metrics.total.WithLabelValues(r.layer).Set(float64(total))
		r.metrics.position.WithLabelValues(r.layer).Set(0)
	}
}

func (r *Reporter) Update(position int) {
	log.Debug().
		Str("layer", r.layer).
		Int("position", position).
		Int("records", r.total).
		Msg("Export progress")

	if r.metrics != nil {
		r.metrics.position.WithLabelValues(r.layer).Set(float64(position))
	}
}

func (r *Reporter) Done(written int) {
	log.Info().
		Str("layer", r.layer).
		Int("written", written).
		Dur("duration", time.Since(r.started)).
		Msg("Records written")

	if r.metrics != nil {
		r.metrics.position.WithLabelValues(r.layer).Set(float64(written))
		r.metrics.features.WithLabelValues(r.layer).Add(float64(written))
	}
}

package monitoring

import (
	"net/http"

	"barcodegate/barcode"
	"barcodegate/capture"
	"barcodegate/output"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports per-role channel status
type StatusSource interface {
	Status() []capture.ChannelStatus
}

// Metrics owns a private registry so tests and multiple servers never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry
	records  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics registers the scan counters, a channel status collector over
// source and the Go runtime collectors.
func NewMetrics(source StatusSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barcodegate_records_total",
			Help: "Barcode records published per role.",
		}, []string{"role"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barcodegate_channel_failures_total",
			Help: "Channel failures per role and kind (connection, read).",
		}, []string{"role", "kind"}),
	}

	m.registry.MustRegister(
		m.records,
		m.failures,
		newStatusCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Both roles show up as zero before the first scan
	for _, role := range barcode.Roles {
		m.records.WithLabelValues(role.String())
	}

	return m
}

// ObserveRecord counts one published record
func (m *Metrics) ObserveRecord(rec barcode.Record) {
	m.records.WithLabelValues(rec.Role.String()).Inc()
}

// ObserveEvent counts failure events; other events are ignored
func (m *Metrics) ObserveEvent(event output.Event) {
	switch event.Type {
	case output.EventConnectionFailed:
		m.failures.WithLabelValues(event.Role, "connection").Inc()
	case output.EventReadFailed:
		m.failures.WithLabelValues(event.Role, "read").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// statusCollector turns a channel status snapshot into const metrics at
// scrape time
type statusCollector struct {
	source StatusSource

	bound       *prometheus.Desc
	bytesRead   *prometheus.Desc
	frames      *prometheus.Desc
	readErrors  *prometheus.Desc
	pending     *prometheus.Desc
	dropped     *prometheus.Desc
	overflows   *prometheus.Desc
	forcedStops *prometheus.Desc
}

func newStatusCollector(source StatusSource) *statusCollector {
	roleLabel := []string{"role"}
	return &statusCollector{
		source: source,
		bound: prometheus.NewDesc(
			"barcodegate_channel_listening",
			"1 if the role has a listening port, 0 otherwise",
			[]string{"role", "port", "state"},
			nil,
		),
		bytesRead: prometheus.NewDesc(
			"barcodegate_channel_bytes_read",
			"Bytes read by the role's current listener",
			roleLabel,
			nil,
		),
		frames: prometheus.NewDesc(
			"barcodegate_channel_frames",
			"Frames read by the role's current listener",
			roleLabel,
			nil,
		),
		readErrors: prometheus.NewDesc(
			"barcodegate_channel_read_errors",
			"Read errors seen by the role's current listener",
			roleLabel,
			nil,
		),
		pending: prometheus.NewDesc(
			"barcodegate_store_pending_records",
			"Records waiting to be drained",
			roleLabel,
			nil,
		),
		dropped: prometheus.NewDesc(
			"barcodegate_store_dropped_records",
			"Records overwritten before they were drained",
			roleLabel,
			nil,
		),
		overflows: prometheus.NewDesc(
			"barcodegate_frame_overflows",
			"Unterminated frames discarded by the role's current listener",
			roleLabel,
			nil,
		),
		forcedStops: prometheus.NewDesc(
			"barcodegate_channel_forced_stops",
			"Listeners whose port had to be force-closed to stop them",
			roleLabel,
			nil,
		),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bound
	ch <- c.bytesRead
	ch <- c.frames
	ch <- c.readErrors
	ch <- c.pending
	ch <- c.dropped
	ch <- c.overflows
	ch <- c.forcedStops
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source.Status() {
		listening := 0.0
		if st.State == capture.StateListening.String() {
			listening = 1
		}

		ch <- prometheus.MustNewConstMetric(
			c.bound, prometheus.GaugeValue, listening,
			st.Role, st.Port, st.State,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRead, prometheus.CounterValue, float64(st.Stats.BytesRead),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.frames, prometheus.CounterValue, float64(st.Stats.Frames),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.readErrors, prometheus.CounterValue, float64(st.Stats.Errors),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.pending, prometheus.GaugeValue, float64(st.Pending),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.dropped, prometheus.CounterValue, float64(st.Dropped),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.overflows, prometheus.CounterValue, float64(st.Overflows),
			st.Role,
		)
		ch <- prometheus.MustNewConstMetric(
			c.forcedStops, prometheus.CounterValue, float64(st.ForcedStops),
			st.Role,
		)
	}
}

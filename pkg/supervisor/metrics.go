package supervisor

import (
	"net/http"

	"github.com/core-tools/hsu-supervisor/pkg/alerting"
	"github.com/core-tools/hsu-supervisor/pkg/controller"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	serviceState        *prometheus.GaugeVec
	serviceRestarts     *prometheus.CounterVec
	healthFailures      *prometheus.CounterVec
	serviceRSS          *prometheus.GaugeVec
	serviceCPU          *prometheus.GaugeVec
	alertsTotal         *prometheus.CounterVec
	systemUsage         *prometheus.GaugeVec
	pollDuration        prometheus.Histogram
	metricsStoreRecords prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		serviceState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervisor_service_state",
			Help: "1 for the current lifecycle state of each supervised service, 0 otherwise",
		}, []string{"service", "state"}),
		serviceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_service_restarts_total",
			Help: "Restart decisions per service by outcome",
		}, []string{"service", "outcome"}),
		healthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_health_check_failures_total",
			Help: "Failed liveness checks per service by reason",
		}, []string{"service", "reason"}),
		serviceRSS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervisor_service_rss_megabytes",
			Help: "Resident set size of each supervised process",
		}, []string{"service"}),
		serviceCPU: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervisor_service_cpu_percent",
			Help: "CPU usage of each supervised process over the sample window",
		}, []string{"service"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_alerts_delivered_total",
			Help: "Delivered alerts by kind and level",
		}, []string{"kind", "level"}),
		systemUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervisor_system_usage_percent",
			Help: "Host-wide usage by resource",
		}, []string{"resource"}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_poll_duration_seconds",
			Help:    "Duration of one supervision poll",
			Buckets: prometheus.DefBuckets,
		}),
		metricsStoreRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_metrics_samples_total",
			Help: "Samples appended to the metrics store",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeSnapshot(snapshot controller.Snapshot) {
	for _, state := range controller.AllStates() {
		value := 0.0
		if state == snapshot.State {
			value = 1
		}
		m.serviceState.WithLabelValues(snapshot.Name, string(state)).Set(value)
	}
	m.serviceRSS.WithLabelValues(snapshot.Name).Set(snapshot.LastHealth.RSSMB)
	m.serviceCPU.WithLabelValues(snapshot.Name).Set(snapshot.LastHealth.CPUPercent)
}

func (m *Metrics) observeHealth(service string, result monitoring.HealthCheckResult) {
	if !result.OK {
		m.healthFailures.WithLabelValues(service, string(result.Reason)).Inc()
	}
}

func (m *Metrics) observeRestart(service, outcome string) {
	m.serviceRestarts.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) observeSystem(stats monitoring.SystemStats) {
	m.systemUsage.WithLabelValues("cpu").Set(stats.CPUPercent)
	m.systemUsage.WithLabelValues("memory").Set(stats.MemoryPercent)
	m.systemUsage.WithLabelValues("disk").Set(stats.DiskPercent)
}

// Notify counts delivered alerts, so Metrics can be registered as an alert notifier.
func (m *Metrics) Notify(record alerting.AlertRecord) error {
	m.alertsTotal.WithLabelValues(record.Kind, string(record.Level)).Inc()
	return nil
}

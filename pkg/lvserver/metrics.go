package lvserver

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	scansTotal   *prometheus.CounterVec

	// per-device readings are "value at" observations refreshed on every
	// snapshot publication, like SMART temperature they can lag realtime
	healthScore  *promconstmetrics.Ref
	temperature  *promconstmetrics.Ref
	scanDuration *promconstmetrics.Ref

	constMetricsCollector *promconstmetrics.Collector
}

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	constMetricsCollector := promconstmetrics.NewCollector()

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "levyvahti_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "levyvahti_scans_total",
			Help: "SMART scans by outcome",
		}, []string{"outcome"}),
		healthScore:           constMetricsCollector.Register("levyvahti_device_health_score", "Device health score (-100..100)", prometheus.Labels{}, "device"),
		temperature:           constMetricsCollector.Register("levyvahti_device_temperature_celsius", "Device temperature", prometheus.Labels{}, "device"),
		scanDuration:          constMetricsCollector.Register("levyvahti_device_scan_duration_seconds", "Duration of the last SMART poll", prometheus.Labels{}, "device"),
		constMetricsCollector: constMetricsCollector,
	}

	reg.MustRegister(m.httpRequests)
	reg.MustRegister(m.scansTotal)
	reg.MustRegister(m.constMetricsCollector)

	return m
}

func (m *metricsController) ObserveRecord(rec *lvtypes.DeviceRecord) {
	m.scansTotal.With(prometheus.Labels{"outcome": string(rec.ScanOutcome)}).Inc()

	device := rec.Identity.Key()
	if rec.Identity.Empty() {
		device = rec.OsName
	}

	constMetrics := m.constMetricsCollector // shorthand

	if rec.ScanOutcome == lvtypes.ScanOutcomeSuccess {
		constMetrics.Observe(m.healthScore, float64(rec.HealthScore), rec.LastScanAt, device)

		if temp, found := rec.Attributes.Raw(lvtypes.AttrTemperature); found {
			constMetrics.Observe(m.temperature, float64(temp), rec.LastScanAt, device)
		}
	}

	constMetrics.Observe(m.scanDuration, float64(rec.LastSmartResponseMs)/1000, rec.LastScanAt, device)
}

func (m *metricsController) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

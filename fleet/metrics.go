package fleet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()
	factory         = promauto.With(metricsRegistry)

	devicesTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cohort_devices_total",
		Help: "Number of running simulated devices.",
	})
	devicesConnected = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cohort_devices_connected",
		Help: "Number of devices currently connected to the hub.",
	})
	telemetryMessages = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cohort_telemetry_messages_total",
		Help: "Telemetry messages accepted by the hub, fleet-wide.",
	})
	sendErrors = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cohort_send_errors_total",
		Help: "Failed or dropped sends, fleet-wide.",
	})
	firmwareJobsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cohort_firmware_jobs_active",
		Help: "Firmware update jobs currently downloading or installing.",
	})
	firmwareDevices = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cohort_firmware_version_devices",
		Help: "Devices per installed firmware version.",
	}, []string{"version"})
)

// ObserveStats projects one fleet snapshot onto the metric surface.
func ObserveStats(s Stats) {
	devicesTotal.Set(float64(s.Total))
	devicesConnected.Set(float64(s.Connected))
	telemetryMessages.Set(float64(s.Telemetry))
	sendErrors.Set(float64(s.Errors))
	firmwareJobsActive.Set(float64(s.ActiveJobs))

	firmwareDevices.Reset()
	for version, count := range s.Firmware {
		firmwareDevices.WithLabelValues(version).Set(float64(count))
	}
}

// MetricsHandler serves the fleet metric registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

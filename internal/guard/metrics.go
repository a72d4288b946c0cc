package guard

import "github.com/prometheus/client_golang/prometheus"

var (
	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_guard_cpu_usage_percent",
		Help: "Process CPU usage sampled by the resource guard",
	})

	memoryUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_guard_memory_used_bytes",
		Help: "Heap bytes in use",
	})

	goroutinesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_guard_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(memoryUsedBytes)
	prometheus.MustRegister(goroutinesCurrent)
}

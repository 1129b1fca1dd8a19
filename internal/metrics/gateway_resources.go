package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// GatewayCollector samples CPU, memory, thread and FD usage of the gateway
// process at scrape time. pid returns 0 while no gateway is running, in which
// case nothing is emitted.
type GatewayCollector struct {
	pid func() int

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

// NewGatewayCollector builds a collector bound to a PID provider.
func NewGatewayCollector(pid func() int) *GatewayCollector {
	return &GatewayCollector{
		pid: pid,
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gateway", "cpu_percent"),
			"CPU usage of the gateway process.", nil, nil),
		rss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gateway", "memory_rss_bytes"),
			"Resident memory of the gateway process.", nil, nil),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gateway", "threads"),
			"Thread count of the gateway process.", nil, nil),
		fds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gateway", "open_fds"),
			"Open file descriptors of the gateway process.", nil, nil),
	}
}

func (c *GatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	ch <- c.fds
}

func (c *GatewayCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("gateway metrics: process handle unavailable", "pid", pid, "error", err)
		return
	}
	if v, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, v)
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mi.RSS))
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
	// NumFDs is unsupported on some platforms
	if n, err := proc.NumFDs(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n))
	}
}

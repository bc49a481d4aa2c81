package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ControlPlaneStats provides the collector access to live store state.
type ControlPlaneStats interface {
	ActiveAssignments() int
	ActiveChannels() int
	OpenPushSessions() int
	QueuedOriginations() int
	DemuxReconnects() int64
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats ControlPlaneStats

	assignments     *prometheus.Desc
	channels        *prometheus.Desc
	pushSessions    *prometheus.Desc
	queuedJobs      *prometheus.Desc
	demuxReconnects *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
func NewCollector(stats ControlPlaneStats) *Collector {
	return &Collector{
		stats: stats,
		assignments: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "trunk_assignments_active"),
			"Current number of live trunk assignments.",
			nil, nil,
		),
		channels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "channel_sessions_active"),
			"Current number of live channel sessions.",
			nil, nil,
		),
		pushSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "push_sessions_open"),
			"Current number of open push sockets.",
			nil, nil,
		),
		queuedJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "origination", "queued_jobs"),
			"Origination jobs waiting across all trunks.",
			nil, nil,
		),
		demuxReconnects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pbx", "reconnects_total"),
			"Reconnect attempts against the PBX event stream.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.assignments
	ch <- c.channels
	ch <- c.pushSessions
	ch <- c.queuedJobs
	ch <- c.demuxReconnects
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.assignments, prometheus.GaugeValue, float64(c.stats.ActiveAssignments()))
	ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(c.stats.ActiveChannels()))
	ch <- prometheus.MustNewConstMetric(c.pushSessions, prometheus.GaugeValue, float64(c.stats.OpenPushSessions()))
	ch <- prometheus.MustNewConstMetric(c.queuedJobs, prometheus.GaugeValue, float64(c.stats.QueuedOriginations()))
	ch <- prometheus.MustNewConstMetric(c.demuxReconnects, prometheus.CounterValue, float64(c.stats.DemuxReconnects()))
}

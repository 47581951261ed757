package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps a dedicated Prometheus registry. Every gauge is a
// GaugeFunc sampling the running Pipeline's Stats() at scrape time
// rather than a counter the caller increments, since the pipeline
// already keeps its own running totals.
type Metrics struct {
	registry *prometheus.Registry

	RowsPublished prometheus.GaugeFunc
	IPCPublished  prometheus.GaugeFunc
	QueueDepth    prometheus.GaugeFunc
	MaxRows       prometheus.GaugeFunc
}

func NewMetrics(backend Backend) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.RowsPublished = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vfeed",
		Name:      "rows_published_total",
		Help:      "Total rows successfully published to Pulsar.",
	}, func() float64 { return float64(backend.Stats().RowsPublished) })

	m.IPCPublished = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vfeed",
		Name:      "ipc_messages_published_total",
		Help:      "Total IPC messages successfully published to Pulsar.",
	}, func() float64 { return float64(backend.Stats().IPCPublished) })

	m.QueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vfeed",
		Name:      "ipc_queue_depth",
		Help:      "Number of serialized IPC messages currently queued for publish.",
	}, func() float64 { return float64(backend.Stats().QueueDepth) })

	m.MaxRows = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vfeed",
		Name:      "resizer_max_rows",
		Help:      "Current row cap the Resizer splits batches at.",
	}, func() float64 { return float64(backend.Stats().MaxRows) })

	reg.MustRegister(m.RowsPublished, m.IPCPublished, m.QueueDepth, m.MaxRows)
	return m
}

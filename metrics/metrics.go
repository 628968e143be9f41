// Package metrics adapts the teacher's TCPInfoCollector
// (pkg/exporter/exporter.go: a custom prometheus.Collector that pulls
// live per-connection state at scrape time) into a tunnel-shaped
// collector: instead of per-connection TCP_INFO, it pulls the live
// channel count from whichever LoopState is running, plus a handful of
// ordinary cumulative counters the control loops push to directly for
// events that only happen once (a resync, a penalty).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source is anything that can report its current channel count. Both
// tunnel.LoopState variants satisfy this without metrics importing tunnel.
type Source interface {
	ChannelCount() int
}

// channelGaugeCollector is a custom prometheus.Collector, grounded on
// the teacher's TCPInfoCollector.Describe/Collect shape: state is read
// fresh on every scrape rather than cached, because "channels open" can
// change between scrapes without the loop ever touching Prometheus.
type channelGaugeCollector struct {
	desc   *prometheus.Desc
	source Source
}

func (c *channelGaugeCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.desc
}

func (c *channelGaugeCollector) Collect(out chan<- prometheus.Metric) {
	out <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(c.source.ChannelCount()))
}

// Registry bundles every rpfwd_* metric one running server or client
// process exports. The control loops always build one with New and use
// it unconditionally (a nil *Registry is not handled); whether it is
// served over HTTP depends only on the -metrics-listen address.
type Registry struct {
	prom *prometheus.Registry

	ResyncTotal         prometheus.Counter
	ChannelsOpenedTotal prometheus.Counter
	ChannelsClosedTotal prometheus.Counter
	PenaltyMicrosTotal  prometheus.Counter

	Transport Transport
}

// Transport groups the byte counters and the SO_SNDBUF gauge wired into
// transport.Metrics so the transport package never needs to import metrics.
type Transport struct {
	BytesRead       *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	SendBufferBytes *prometheus.GaugeVec
}

// New registers every rpfwd_* metric against a fresh prometheus.Registry
// and wires source (the running LoopState) into the live channel-count
// gauge. role is "server" or "client" and becomes a constant label, the
// way the teacher's NewTCPInfoCollector takes constLabels for per-process
// identity.
func New(role string, source Source) *Registry {
	constLabels := prometheus.Labels{"role": role}

	r := &Registry{
		prom: prometheus.NewRegistry(),
		ResyncTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rpfwd_resync_total",
			Help:        "Number of times this process ran the resync recovery protocol.",
			ConstLabels: constLabels,
		}),
		ChannelsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rpfwd_channels_opened_total",
			Help:        "Number of channels opened over the lifetime of the control link.",
			ConstLabels: constLabels,
		}),
		ChannelsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rpfwd_channels_closed_total",
			Help:        "Number of channels closed over the lifetime of the control link.",
			ConstLabels: constLabels,
		}),
		PenaltyMicrosTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rpfwd_penalty_micros_total",
			Help:        "Cumulative microseconds of synchronous-drain delay reported as ClientExceededBuffer.",
			ConstLabels: constLabels,
		}),
		Transport: Transport{
			BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "rpfwd_transport_bytes_total",
				Help:        "Bytes moved across a Transport, by direction and transport kind.",
				ConstLabels: prometheus.Labels{"role": role, "direction": "read"},
			}, []string{"transport"}),
			BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "rpfwd_transport_bytes_total",
				Help:        "Bytes moved across a Transport, by direction and transport kind.",
				ConstLabels: prometheus.Labels{"role": role, "direction": "write"},
			}, []string{"transport"}),
			SendBufferBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name:        "rpfwd_transport_send_buffer_bytes",
				Help:        "Kernel SO_SNDBUF size last observed for a Transport (TCP only).",
				ConstLabels: constLabels,
			}, []string{"transport"}),
		},
	}

	r.prom.MustRegister(r.ResyncTotal, r.ChannelsOpenedTotal, r.ChannelsClosedTotal, r.PenaltyMicrosTotal)
	r.prom.MustRegister(r.Transport.BytesRead, r.Transport.BytesWritten, r.Transport.SendBufferBytes)
	r.prom.MustRegister(&channelGaugeCollector{
		desc:   prometheus.NewDesc("rpfwd_channels_open", "Live channel count.", nil, constLabels),
		source: source,
	})

	return r
}

// Prometheus exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

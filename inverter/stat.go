package inverter

import "github.com/prometheus/client_golang/prometheus"

// Stat bundles the bridge's Prometheus collectors.
type Stat struct {
	ActiveConnections prometheus.Gauge
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	InvalidResponses  prometheus.Counter
	Publishes         prometheus.Counter
	CommandsReceived  prometheus.Counter
	QueriesExpired    prometheus.Counter
}

var stat = Stat{
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "voltronic_active_connections", Help: "The number of live inverter TCP connections"}),
	FramesSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_sent_frames", Help: "The total number of frames sent to inverters"}),
	FramesReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_received_frames", Help: "The total number of frames decoded from inverters"}),
	InvalidResponses:  prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_invalid_responses", Help: "The total number of framing, CRC and decode failures"}),
	Publishes:         prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_mqtt_publishes", Help: "The total number of MQTT field publishes"}),
	CommandsReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_commands_received", Help: "The total number of MQTT commands accepted"}),
	QueriesExpired:    prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_queries_expired", Help: "The total number of queries dropped by timeout GC"}),
}

// RegisterMetrics installs the collectors into the default registry.
// Call once at startup.
func RegisterMetrics() {
	prometheus.MustRegister(stat.ActiveConnections)
	prometheus.MustRegister(stat.FramesSent)
	prometheus.MustRegister(stat.FramesReceived)
	prometheus.MustRegister(stat.InvalidResponses)
	prometheus.MustRegister(stat.Publishes)
	prometheus.MustRegister(stat.CommandsReceived)
	prometheus.MustRegister(stat.QueriesExpired)
}

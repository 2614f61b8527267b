// Package metrics exposes forward traffic as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orris-inc/sshfwd/internal/forward"
)

const namespace = "sshfwd"

// Source provides the values reported on each scrape.
type Source interface {
	ListForwards(connectionID string) []forward.Rule
	AllTrafficStats() []forward.TrafficStats
	ActiveCount() int
}

// Collector reads traffic and rule state from a Source at scrape time.
type Collector struct {
	src Source

	bytesIn     *prometheus.Desc
	bytesOut    *prometheus.Desc
	connsTotal  *prometheus.Desc
	connsActive *prometheus.Desc
	lastActive  *prometheus.Desc
	ruleStatus  *prometheus.Desc
	active      *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	labels := []string{"forward_id", "connection_id", "type"}
	return &Collector{
		src: src,
		bytesIn: prometheus.NewDesc(namespace+"_forward_bytes_in_total",
			"Bytes sent from the listening side toward the target.", labels, nil),
		bytesOut: prometheus.NewDesc(namespace+"_forward_bytes_out_total",
			"Bytes sent from the target back to the listening side.", labels, nil),
		connsTotal: prometheus.NewDesc(namespace+"_forward_connections_total",
			"Connections accepted since the last reset.", labels, nil),
		connsActive: prometheus.NewDesc(namespace+"_forward_connections_active",
			"Connections currently piped.", labels, nil),
		lastActive: prometheus.NewDesc(namespace+"_forward_last_activity_timestamp_seconds",
			"Unix time of the last transferred byte.", labels, nil),
		ruleStatus: prometheus.NewDesc(namespace+"_forward_status",
			"1 for the current lifecycle status of each rule.", append(labels, "status"), nil),
		active: prometheus.NewDesc(namespace+"_forwards_active",
			"Number of running forwards.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.connsTotal
	ch <- c.connsActive
	ch <- c.lastActive
	ch <- c.ruleStatus
	ch <- c.active
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	rules := c.src.ListForwards("")
	byID := make(map[string]forward.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
		for _, st := range []forward.Status{forward.StatusInactive, forward.StatusActive, forward.StatusError} {
			v := 0.0
			if r.Status == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.ruleStatus, prometheus.GaugeValue, v,
				r.ID, r.ConnectionID, string(r.Type), string(st))
		}
	}

	for _, s := range c.src.AllTrafficStats() {
		r, ok := byID[s.ForwardID]
		if !ok {
			continue
		}
		labels := []string{r.ID, r.ConnectionID, string(r.Type)}
		ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(s.BytesIn), labels...)
		ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(s.BytesOut), labels...)
		ch <- prometheus.MustNewConstMetric(c.connsTotal, prometheus.CounterValue, float64(s.ConnectionsTotal), labels...)
		ch <- prometheus.MustNewConstMetric(c.connsActive, prometheus.GaugeValue, float64(s.ConnectionsActive), labels...)
		if !s.LastActivity.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastActive, prometheus.GaugeValue,
				float64(s.LastActivity.UnixNano())/1e9, labels...)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(c.src.ActiveCount()))
}

// NewRegistry returns a registry holding the forward collector and the
// Go runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

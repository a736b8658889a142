package middleware

import (
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSource provides dispatcher metrics. *dispatch.Dispatcher
// implements it.
type MetricsSource interface {
	Metrics() (*dispatch.Metrics, error)
}

// Collector exposes the per-destination counters of a dispatcher in the
// Prometheus format. Counters are read on every scrape.
type Collector struct {
	source             MetricsSource
	log                xlog.Logger
	collectionErrors   prometheus.Counter
	lookups            *prometheus.Desc
	misses             *prometheus.Desc
	errors             *prometheus.Desc
	bindings           *prometheus.Desc
	destinationSockets *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

var destinationLabels = []string{"label", "domain", "protocol"}

// NewCollector creates a collector for source. Metric names are prefixed
// with namespace if it isn't empty.
func NewCollector(source MetricsSource, namespace string) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "", n)
	}

	return &Collector{
		source: source,
		log:    xlog.With("collector"),
		collectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("collection_errors_total"),
			Help: "The number of times metrics collection encountered an error.",
		}),
		lookups: prometheus.NewDesc(
			name("lookups_total"),
			"Total number of times traffic matched a destination.",
			destinationLabels,
			nil,
		),
		misses: prometheus.NewDesc(
			name("misses_total"),
			"Total number of failed lookups since no socket was registered.",
			destinationLabels,
			nil,
		),
		errors: prometheus.NewDesc(
			name("errors_total"),
			"Total number of failed lookups due to an error.",
			append(destinationLabels[:len(destinationLabels):len(destinationLabels)], "reason"),
			nil,
		),
		bindings: prometheus.NewDesc(
			name("bindings"),
			"The number of bindings for each destination.",
			destinationLabels,
			nil,
		),
		destinationSockets: prometheus.NewDesc(
			name("destination_has_socket"),
			"Whether or not a destination has a registered socket.",
			destinationLabels,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collectionErrors.Describe(ch)
	ch <- c.lookups
	ch <- c.misses
	ch <- c.errors
	ch <- c.bindings
	ch <- c.destinationSockets
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// Collect last, so that errors during this collection are reflected.
	defer c.collectionErrors.Collect(ch)

	metrics, err := c.source.Metrics()
	if err != nil {
		c.log.Errorf("failed to collect metrics: %v", err)
		c.collectionErrors.Inc()
		return
	}

	for dest, m := range metrics.Destinations {
		labels := destLabelValues(dest)

		ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(m.Lookups), labels...)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), labels...)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.ErrorBadSocket), append(labels, "bad-socket")...)
	}

	for dest, n := range metrics.Bindings {
		ch <- prometheus.MustNewConstMetric(c.bindings, prometheus.GaugeValue, float64(n), destLabelValues(dest)...)
	}

	for dest, present := range metrics.Sockets {
		value := 0.0
		if present {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.destinationSockets, prometheus.GaugeValue, value, destLabelValues(dest)...)
	}
}

func destLabelValues(dest dispatch.Destination) []string {
	return []string{dest.Label, dest.Domain.String(), dest.Protocol.String()}
}

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one labelled gauge value.
type Sample struct {
	Labels []string
	Value  float64
}

// SampleFunc computes gauge samples at scrape time.
type SampleFunc func(ctx context.Context) ([]Sample, error)

// scrapeCollector turns a SampleFunc into a gauge family. Nothing is cached;
// each scrape reads current state.
type scrapeCollector struct {
	desc    *prometheus.Desc
	fn      SampleFunc
	timeout time.Duration
}

func (c *scrapeCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *scrapeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	samples, err := c.fn(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, s := range samples {
		m, err := prometheus.NewConstMetric(c.desc, prometheus.GaugeValue, s.Value, s.Labels...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.desc, err)
			continue
		}
		ch <- m
	}
}

// RegisterGauge adds a gauge family named intake_<name> whose values come
// from fn on every scrape.
func (m *Metrics) RegisterGauge(name, help string, labels []string, fn SampleFunc) error {
	return m.registry.Register(&scrapeCollector{
		desc:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
		fn:      fn,
		timeout: 5 * time.Second,
	})
}

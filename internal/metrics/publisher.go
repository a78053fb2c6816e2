package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Publisher exposes the last published DerivedMetricSet to a registry.
// Scrapes read whatever set was current when they started; Publish replaces
// it wholesale.
type Publisher struct {
	current atomic.Pointer[DerivedMetricSet]
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish makes set the one served to scrapes. The caller gives up
// ownership of set.
func (p *Publisher) Publish(set *DerivedMetricSet) {
	p.current.Store(set)
}

// Current returns the last published set, or nil before the first publish.
func (p *Publisher) Current() *DerivedMetricSet {
	return p.current.Load()
}

func (p *Publisher) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range DerivedDescs {
		ch <- d.Desc
	}
}

func (p *Publisher) Collect(ch chan<- prometheus.Metric) {
	set := p.current.Load()
	if set == nil {
		return
	}

	for _, sample := range set.Samples() {
		desc, ok := DerivedDescs[sample.Name]
		if !ok {
			ch <- prometheus.NewInvalidMetric(
				prometheus.NewDesc(sample.Name, "unknown derived metric", nil, nil),
				fmt.Errorf("unknown derived metric %q", sample.Name))
			continue
		}
		m, err := desc.NewConstMetric(sample.Value, sample.LabelValues...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(desc.Desc, err)
			continue
		}
		ch <- m
	}
}

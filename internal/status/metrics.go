package status

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descItems = prometheus.NewDesc(
		"iota_items",
		"Number of items known to the run.",
		[]string{"run_id"}, nil,
	)
	descDispatched = prometheus.NewDesc(
		"iota_dispatched_items_total",
		"Number of items handed to the backend.",
		[]string{"run_id"}, nil,
	)
	descHarvested = prometheus.NewDesc(
		"iota_harvested_items_total",
		"Number of items with a result.",
		[]string{"run_id"}, nil,
	)
	descSucceeded = prometheus.NewDesc(
		"iota_succeeded_items_total",
		"Number of items integrated without failure.",
		[]string{"run_id"}, nil,
	)
	descFailed = prometheus.NewDesc(
		"iota_failed_items_total",
		"Number of items failed per processing stage.",
		[]string{"run_id", "stage"}, nil,
	)
	descState = prometheus.NewDesc(
		"iota_run_state",
		"Current state of the run, always 1.",
		[]string{"run_id", "state"}, nil,
	)
)

// runCollector reads the counters of a run on every scrape.
type runCollector struct {
	run Run
}

var _ prometheus.Collector = (*runCollector)(nil)

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descItems
	ch <- descDispatched
	ch <- descHarvested
	ch <- descSucceeded
	ch <- descFailed
	ch <- descState
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	p := c.run.Progress()
	ch <- prometheus.MustNewConstMetric(descItems, prometheus.GaugeValue, float64(p.Items), p.RunID)
	ch <- prometheus.MustNewConstMetric(descDispatched, prometheus.CounterValue, float64(p.Counters.Dispatched), p.RunID)
	ch <- prometheus.MustNewConstMetric(descHarvested, prometheus.CounterValue, float64(p.Counters.Harvested), p.RunID)
	ch <- prometheus.MustNewConstMetric(descSucceeded, prometheus.CounterValue, float64(p.Counters.Succeeded), p.RunID)
	for kind, n := range p.Counters.FailedByKind {
		stage := strings.TrimPrefix(kind.String(), "failed ")
		ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(n), p.RunID, stage)
	}
	if p.State != "" {
		ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, 1, p.RunID, string(p.State))
	}
}

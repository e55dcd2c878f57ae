// Package metrics exposes queue, event-fanout and pending-action gauges
// through a Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/queue"
)

var (
	queueDepthDesc = prometheus.NewDesc(
		"redstring_queue_depth", "Live items (queued + leased) per queue.",
		[]string{"queue"}, nil)
	queueQueuedDesc = prometheus.NewDesc(
		"redstring_queue_queued", "Queued items per queue.",
		[]string{"queue"}, nil)
	queueLeasedDesc = prometheus.NewDesc(
		"redstring_queue_leased", "Leased items per queue.",
		[]string{"queue"}, nil)
	queueDoneDesc = prometheus.NewDesc(
		"redstring_queue_done_total", "Items settled as done per queue.",
		[]string{"queue"}, nil)
	queueFailedDesc = prometheus.NewDesc(
		"redstring_queue_failed_total", "Items settled as failed per queue.",
		[]string{"queue"}, nil)
	queueEnqueuedDesc = prometheus.NewDesc(
		"redstring_queue_enqueued_total", "Items ever enqueued per queue.",
		[]string{"queue"}, nil)
	sseDroppedDesc = prometheus.NewDesc(
		"redstring_events_dropped_total", "Event deliveries dropped on slow subscribers.",
		nil, nil)
	pendingActionsDesc = prometheus.NewDesc(
		"redstring_pending_actions", "Pending actions by lease state.",
		[]string{"state"}, nil)
)

// Collector scrapes the live pipeline state on demand.
type Collector struct {
	queues *queue.Manager
	log    *events.Log
	broker *bridge.Broker
}

// NewCollector creates the pipeline collector.
func NewCollector(queues *queue.Manager, log *events.Log, broker *bridge.Broker) *Collector {
	return &Collector{queues: queues, log: log, broker: broker}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- queueQueuedDesc
	ch <- queueLeasedDesc
	ch <- queueDoneDesc
	ch <- queueFailedDesc
	ch <- queueEnqueuedDesc
	ch <- sseDroppedDesc
	ch <- pendingActionsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.queues.Names() {
		m, err := c.queues.Metrics(name)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(m.Depth), name)
		ch <- prometheus.MustNewConstMetric(queueQueuedDesc, prometheus.GaugeValue, float64(m.Queued), name)
		ch <- prometheus.MustNewConstMetric(queueLeasedDesc, prometheus.GaugeValue, float64(m.Leased), name)
		ch <- prometheus.MustNewConstMetric(queueDoneDesc, prometheus.CounterValue, float64(m.Done), name)
		ch <- prometheus.MustNewConstMetric(queueFailedDesc, prometheus.CounterValue, float64(m.Failed), name)
		ch <- prometheus.MustNewConstMetric(queueEnqueuedDesc, prometheus.CounterValue, float64(m.TotalEnqueued), name)
	}

	ch <- prometheus.MustNewConstMetric(sseDroppedDesc, prometheus.CounterValue, float64(c.log.Dropped()))

	enqueued, leased := 0, 0
	for _, a := range c.broker.Pending() {
		if a.LeasedAt != nil {
			leased++
		} else {
			enqueued++
		}
	}
	ch <- prometheus.MustNewConstMetric(pendingActionsDesc, prometheus.GaugeValue, float64(enqueued), "enqueued")
	ch <- prometheus.MustNewConstMetric(pendingActionsDesc, prometheus.GaugeValue, float64(leased), "leased")
}

// NewRegistry builds a registry with the pipeline collector installed.
func NewRegistry(queues *queue.Manager, log *events.Log, broker *bridge.Broker) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(queues, log, broker))
	return reg
}

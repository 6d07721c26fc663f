package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	// FanoutEvents counts fanned-out events by event type
	FanoutEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_fanout_events_total", Help: "Events fanned out, by event type."},
		[]string{"event_type"},
	)
	// FanoutDeliveries counts delivery rows created by fanout
	FanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_fanout_deliveries_total", Help: "Delivery records created by fanout, by event type."},
		[]string{"event_type"},
	)
	// DeliveryAttempts counts attempt outcomes by event type and resulting status
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_attempts_total", Help: "Delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	// DeliveryLatency tracks attempt latencies in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Delivery attempt latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 15000}},
		[]string{"event_type", "status"},
	)
	// RetriesScheduled counts retries queued by the scheduler poller
	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_retries_scheduled_total", Help: "Due deliveries re-queued by the scheduler."},
	)
)

var regOnce sync.Once

// Register registers all collectors on the service registry.
func Register() {
	regOnce.Do(func() {
		Registry.MustRegister(FanoutEvents)
		Registry.MustRegister(FanoutDeliveries)
		Registry.MustRegister(DeliveryAttempts)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(RetriesScheduled)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Package metrics owns the daemon's prometheus registry and the collectors
// shared by the watcher, webhook sink, supervisor and RPC service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zapd"

type Registry struct {
	reg *prometheus.Registry

	TransfersSeen    prometheus.Counter
	TransfersMatched prometheus.Counter
	SignFailures     prometheus.Counter
	Deliveries       *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	DeliveryQueue    prometheus.Gauge
	TasksRunning     prometheus.Gauge
	Alerts           *prometheus.CounterVec
	RPCRequests      *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		TransfersSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "transfers_seen_total",
			Help:      "Unconfirmed transfers received from the node feed.",
		}),
		TransfersMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "transfers_matched_total",
			Help:      "Transfers addressed to the merchant.",
		}),
		SignFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "sign_failures_total",
			Help:      "Matched transfers that could not be signed.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by result.",
		}, []string{"result"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent on a single webhook POST.",
			Buckets:   prometheus.DefBuckets,
		}),
		DeliveryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Notifications waiting for delivery.",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tasks_running",
			Help:      "Supervised tasks currently in the running state.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "alerts_total",
			Help:      "Operational alerts raised by kind.",
		}, []string{"kind"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.TransfersSeen,
		r.TransfersMatched,
		r.SignFailures,
		r.Deliveries,
		r.DeliveryLatency,
		r.DeliveryQueue,
		r.TasksRunning,
		r.Alerts,
		r.RPCRequests,
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

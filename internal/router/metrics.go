package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_router_requests_total",
		Help: "Messages accepted into the routing queue.",
	})
	metricDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_router_delivered_total",
		Help: "Frames pushed to a live session.",
	})
	metricOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_router_offline_enqueued_total",
		Help: "Frames persisted for offline delivery.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_router_retries_total",
		Help: "Delivery retries scheduled after a failed send.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_router_dropped_total",
		Help: "Requests rejected because the queue was full.",
	})
)

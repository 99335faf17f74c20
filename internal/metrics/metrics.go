package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	OrdersCreated   prometheus.Counter
	OrdersCancelled prometheus.Counter
	StockRejections prometheus.Counter
}

func NewServerMetrics(service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "orders_created_total",
		Help:      "Orders placed successfully.",
	})
	ordersCancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled with stock restored.",
	})
	stockRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "stock_rejections_total",
		Help:      "Order placements rejected for insufficient stock.",
	})

	prometheus.MustRegister(requests, latency, ordersCreated, ordersCancelled, stockRejections)
	return &ServerMetrics{
		Requests:        requests,
		LatencyMS:       latency,
		OrdersCreated:   ordersCreated,
		OrdersCancelled: ordersCancelled,
		StockRejections: stockRejections,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

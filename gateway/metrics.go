package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"roomivo-gateway/middleware/ratelimit/domain"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, pool domain.SlotPool) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomivo",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the gateway, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roomivo",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time to serve a request, including the upstream call.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "method"}),
	}

	collectors := []prometheus.Collector{m.requests, m.duration}
	if pool != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "roomivo",
			Subsystem: "gateway",
			Name:      "inflight_slots",
			Help:      "Function calls currently holding a concurrency slot.",
		}, func() float64 { return float64(pool.InUse()) }))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

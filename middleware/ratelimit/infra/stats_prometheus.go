package infra

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// PrometheusStatsStore exports decisions as a counter labelled by route and
// decision. Keys are never used as labels.
type PrometheusStatsStore struct {
	decisions *prometheus.CounterVec
}

func NewPrometheusStatsStore(reg prometheus.Registerer) (*PrometheusStatsStore, error) {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomivo",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions grouped by route and outcome",
	}, []string{"route", "decision"})

	if reg != nil {
		if err := reg.Register(decisions); err != nil {
			return nil, err
		}
	}
	return &PrometheusStatsStore{decisions: decisions}, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.decisions.WithLabelValues(ev.Route(), ev.Decision()).Inc()
	return nil
}

// Collector exposes the underlying vector, mostly for tests.
func (s *PrometheusStatsStore) Collector() *prometheus.CounterVec {
	return s.decisions
}

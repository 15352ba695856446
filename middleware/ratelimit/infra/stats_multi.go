package infra

import (
	"context"
	"errors"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// MultiStats records every event in each store and joins their errors.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

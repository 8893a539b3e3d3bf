package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	revenueDateLayout = "2006-01-02"
	maxRevenueRange   = 92 * 24 * time.Hour
)

// RevenueServiceDeps bundles collaborators for the revenue service.
type RevenueServiceDeps struct {
	Revenue  repositories.RevenueRepository
	Services repositories.ServiceRepository
	Clock    func() time.Time
}

type revenueService struct {
	revenue  repositories.RevenueRepository
	services repositories.ServiceRepository
	clock    func() time.Time
}

var _ RevenueService = (*revenueService)(nil)

// NewRevenueService constructs a RevenueService.
func NewRevenueService(deps RevenueServiceDeps) (RevenueService, error) {
	if deps.Revenue == nil {
		return nil, errors.New("revenue service: revenue repository is required")
	}
	if deps.Services == nil {
		return nil, errors.New("revenue service: service repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &revenueService{
		revenue:  deps.Revenue,
		services: deps.Services,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Increment is the rollup delta for one settled order, keyed by the UTC day of at.
func (s *revenueService) Increment(order domain.ServiceOrder, at time.Time) repositories.RevenueIncrement {
	at = at.UTC()
	return repositories.RevenueIncrement{
		ServiceID:         order.ServiceID,
		Date:              at.Format(revenueDateLayout),
		Orders:            1,
		RevenueMinor:      domain.ToMinor(order.AmountDue),
		DeliveryFeesMinor: domain.ToMinor(order.DeliveryFee),
		At:                at,
	}
}

func (s *revenueService) UpdateServiceRevenue(ctx context.Context, order domain.ServiceOrder) error {
	if order.ServiceID == "" {
		return fmt.Errorf("%w: order has no service", ErrInvalidInput)
	}
	if err := s.revenue.Apply(ctx, s.Increment(order, s.clock())); err != nil {
		return mapRepositoryError(err, ErrServiceNotFound)
	}
	return nil
}

func (s *revenueService) DailyRevenue(ctx context.Context, query DailyRevenueQuery) ([]domain.ServiceRevenue, error) {
	if query.ServiceID == "" {
		return nil, fmt.Errorf("%w: service id is required", ErrMissingFields)
	}
	to := query.To.UTC()
	if to.IsZero() {
		to = s.clock()
	}
	from := query.From.UTC()
	if from.IsZero() {
		from = to.AddDate(0, 0, -29)
	}
	from = truncateDay(from)
	to = truncateDay(to)
	if from.After(to) {
		return nil, fmt.Errorf("%w: from must not be after to", ErrInvalidInput)
	}
	if to.Sub(from) > maxRevenueRange {
		return nil, fmt.Errorf("%w: range exceeds 92 days", ErrInvalidInput)
	}

	service, err := s.services.FindByID(ctx, query.ServiceID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrServiceNotFound)
	}
	if !query.Actor.IsAdmin() && service.ProviderID != query.Actor.ID {
		return nil, fmt.Errorf("%w: service belongs to another provider", ErrUnauthorized)
	}

	rows, err := s.revenue.ListDaily(ctx, query.ServiceID, from, to)
	if err != nil {
		return nil, mapRepositoryError(err, ErrServiceNotFound)
	}
	return rows, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

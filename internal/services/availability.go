package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/geo"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	defaultAlternativeLimit = 5
	// surchargeReach is how far past the radius a service still delivers, as a multiple of the radius.
	surchargeReach = 1.5
)

// RouteResolver returns road distances between two points.
type RouteResolver interface {
	Route(ctx context.Context, origin, destination domain.GeoPoint) (geo.Route, error)
}

// AvailabilityServiceDeps bundles collaborators for the availability checker.
type AvailabilityServiceDeps struct {
	Services         repositories.ServiceRepository
	Addresses        repositories.AddressRepository
	Routes           RouteResolver
	AlternativeLimit int
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type availabilityService struct {
	services  repositories.ServiceRepository
	addresses repositories.AddressRepository
	routes    RouteResolver
	limit     int
	logger    func(context.Context, string, map[string]any)
}

var _ AvailabilityChecker = (*availabilityService)(nil)

// NewAvailabilityService constructs an AvailabilityChecker. Routes is optional; without it every
// distance is a haversine estimate.
func NewAvailabilityService(deps AvailabilityServiceDeps) (AvailabilityChecker, error) {
	if deps.Services == nil {
		return nil, errors.New("availability service: service repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("availability service: address repository is required")
	}
	limit := deps.AlternativeLimit
	if limit <= 0 {
		limit = defaultAlternativeLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &availabilityService{
		services:  deps.Services,
		addresses: deps.Addresses,
		routes:    deps.Routes,
		limit:     limit,
		logger:    logger,
	}, nil
}

func (s *availabilityService) Check(ctx context.Context, serviceID, addressID string) (Availability, error) {
	if serviceID == "" || addressID == "" {
		return Availability{}, fmt.Errorf("%w: serviceId and addressId are required", ErrMissingFields)
	}
	service, err := loadOrderableService(ctx, s.services, serviceID)
	if err != nil {
		return Availability{}, err
	}
	address, err := loadAddress(ctx, s.addresses, addressID)
	if err != nil {
		return Availability{}, err
	}
	return s.Evaluate(ctx, service, address)
}

func (s *availabilityService) Evaluate(ctx context.Context, service domain.Service, address domain.Address) (Availability, error) {
	if service.Location == nil {
		return Availability{}, fmt.Errorf("%w: service %s has no location", ErrServiceNotFound, service.ID)
	}
	if address.Location == nil {
		return Availability{}, fmt.Errorf("%w: address %s", ErrAddressLocationNotFound, address.ID)
	}

	distance := s.Distance(ctx, *service.Location, *address.Location)
	available, fee := SurchargeFor(distance.Km, service)
	result := Availability{
		ServiceID:     service.ID,
		AddressID:     address.ID,
		Available:     available,
		Distance:      distance,
		RadiusKm:      service.RadiusKm,
		AdditionalFee: fee,
	}
	if available {
		return result, nil
	}

	alternatives, err := s.alternatives(ctx, service, *address.Location)
	if err != nil {
		return Availability{}, err
	}
	result.Alternatives = alternatives
	return result, nil
}

func (s *availabilityService) Distance(ctx context.Context, from, to domain.GeoPoint) DistanceResult {
	straight := DistanceResult{Km: geo.HaversineKm(from, to), Source: DistanceSourceHaversine}
	if s.routes == nil {
		return straight
	}
	route, err := s.routes.Route(ctx, from, to)
	if err != nil {
		s.logger(ctx, "availability.distance.fallback", map[string]any{
			"error":       err.Error(),
			"haversineKm": straight.Km,
		})
		return straight
	}
	return DistanceResult{Km: route.DistanceKm, Duration: route.Duration, Source: DistanceSourceRoad}
}

func (s *availabilityService) alternatives(ctx context.Context, service domain.Service, center domain.GeoPoint) ([]Alternative, error) {
	nearby, err := s.services.ListNearby(ctx, repositories.NearbyQuery{
		Type:      service.Type,
		Center:    center,
		RadiusKm:  service.RadiusKm,
		ExcludeID: service.ID,
	})
	if err != nil {
		return nil, mapRepositoryError(err, ErrServiceNotFound)
	}

	alternatives := make([]Alternative, 0, len(nearby))
	for _, candidate := range nearby {
		if candidate.ID == service.ID || !candidate.Orderable() || candidate.Location == nil {
			continue
		}
		distance := geo.HaversineKm(center, *candidate.Location)
		if distance > service.RadiusKm {
			continue
		}
		alternatives = append(alternatives, Alternative{
			ServiceID:    candidate.ID,
			Name:         candidate.Name,
			ProviderID:   candidate.ProviderID,
			DistanceKm:   distance,
			AvgRating:    candidate.AvgRating,
			RatingCount:  candidate.RatingCount,
			PricePerUnit: candidate.PricePerUnit.StringFixed(2),
		})
	}
	sort.SliceStable(alternatives, func(i, j int) bool {
		if alternatives[i].AvgRating != alternatives[j].AvgRating {
			return alternatives[i].AvgRating > alternatives[j].AvgRating
		}
		return alternatives[i].DistanceKm < alternatives[j].DistanceKm
	})
	if len(alternatives) > s.limit {
		alternatives = alternatives[:s.limit]
	}
	return alternatives, nil
}

// SurchargeFor applies the reach rule: within the radius delivery is free of surcharge, up to 1.5x
// the radius each extra kilometre costs the service's deliveryCost, beyond that the service is
// unavailable.
func SurchargeFor(distanceKm float64, service domain.Service) (bool, decimal.Decimal) {
	radius := service.RadiusKm
	if distanceKm <= radius {
		return true, decimal.Zero
	}
	if distanceKm > radius*surchargeReach {
		return false, decimal.Zero
	}
	extra := decimal.NewFromFloat(distanceKm - radius)
	return true, extra.Mul(service.DeliveryCost).Round(2)
}

func loadOrderableService(ctx context.Context, services repositories.ServiceRepository, serviceID string) (domain.Service, error) {
	service, err := services.FindByID(ctx, serviceID)
	if err != nil {
		return domain.Service{}, mapRepositoryError(err, ErrServiceNotFound)
	}
	if !service.Orderable() {
		return domain.Service{}, fmt.Errorf("%w: service %s is not active", ErrServiceNotFound, serviceID)
	}
	if service.Location == nil {
		return domain.Service{}, fmt.Errorf("%w: service %s has no location", ErrServiceNotFound, serviceID)
	}
	return service, nil
}

func loadAddress(ctx context.Context, addresses repositories.AddressRepository, addressID string) (domain.Address, error) {
	address, err := addresses.FindByID(ctx, addressID)
	if err != nil {
		return domain.Address{}, mapRepositoryError(err, ErrAddressLocationNotFound)
	}
	if address.Location == nil {
		return domain.Address{}, fmt.Errorf("%w: address %s", ErrAddressLocationNotFound, addressID)
	}
	return address, nil
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

func TestSurchargeForBoundaries(t *testing.T) {
	service := gasService()

	tests := []struct {
		name      string
		km        float64
		available bool
		fee       string
	}{
		{name: "inside radius", km: 4, available: true, fee: "0"},
		{name: "on radius", km: 10, available: true, fee: "0"},
		{name: "surcharge band", km: 12.5, available: true, fee: "250"},
		{name: "edge of reach", km: 15, available: true, fee: "500"},
		{name: "beyond reach", km: 15.01, available: false, fee: "0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			available, fee := SurchargeFor(tc.km, service)
			if available != tc.available {
				t.Fatalf("expected available=%v, got %v", tc.available, available)
			}
			assertDecimal(t, "fee", fee, tc.fee)
		})
	}
}

func TestAvailabilityCheckUsesRoadDistance(t *testing.T) {
	m := newMarketplace()
	m.routes = stubRoutes{km: 12}
	checker, err := NewAvailabilityService(AvailabilityServiceDeps{Services: m.services, Addresses: m.addresses, Routes: m.routes})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}

	result, err := checker.Check(context.Background(), "svc-gas", "addr-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Available {
		t.Fatalf("expected service to be available")
	}
	if result.Distance.Source != DistanceSourceRoad || result.Distance.Km != 12 {
		t.Fatalf("unexpected distance %+v", result.Distance)
	}
	assertDecimal(t, "additional fee", result.AdditionalFee, "200")
	if len(result.Alternatives) != 0 {
		t.Fatalf("expected no alternatives, got %d", len(result.Alternatives))
	}
}

func TestAvailabilityDistanceFallsBackToHaversine(t *testing.T) {
	events := &eventRecorder{}
	m := newMarketplace()
	checker, err := NewAvailabilityService(AvailabilityServiceDeps{
		Services:  m.services,
		Addresses: m.addresses,
		Routes:    stubRoutes{err: errBoom},
		Logger:    events.log,
	})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}

	result, err := checker.Check(context.Background(), "svc-gas", "addr-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Distance.Source != DistanceSourceHaversine {
		t.Fatalf("expected haversine fallback, got %s", result.Distance.Source)
	}
	if result.Distance.Km != 0 || !result.Available {
		t.Fatalf("expected co-located service to be available, got %+v", result)
	}
	if !events.has("availability.distance.fallback") {
		t.Fatalf("expected fallback to be logged, got %v", events.events)
	}
}

func TestAvailabilityAlternativesRankedAndCapped(t *testing.T) {
	near := func(id string, rating float64, latOffset float64) domain.Service {
		service := gasService()
		service.ID = id
		service.ProviderID = "prov-" + id
		service.AvgRating = rating
		location := domain.GeoPoint{Latitude: lagosIsland.Latitude + latOffset, Longitude: lagosIsland.Longitude}
		service.Location = &location
		return service
	}
	inactive := near("inactive", 5, 0.001)
	inactive.IsActive = false

	var captured repositories.NearbyQuery
	m := newMarketplace()
	m.services.nearbyFn = func(_ context.Context, query repositories.NearbyQuery) ([]domain.Service, error) {
		captured = query
		return []domain.Service{
			near("a", 4.8, 0.02),
			near("b", 4.8, 0.01),
			near("c", 3.0, 0.005),
			near("far", 5.0, 0.5),
			inactive,
			gasService(),
			near("d", 1.0, 0.001),
			near("e", 1.0, 0.002),
			near("f", 1.0, 0.003),
			near("g", 1.0, 0.004),
		}, nil
	}
	checker, err := NewAvailabilityService(AvailabilityServiceDeps{
		Services:  m.services,
		Addresses: m.addresses,
		Routes:    stubRoutes{km: 40},
	})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}

	result, err := checker.Check(context.Background(), "svc-gas", "addr-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Available {
		t.Fatalf("expected service to be unavailable at 40km")
	}
	if !result.AdditionalFee.Equal(decimal.Zero) {
		t.Fatalf("expected no fee when unavailable, got %s", result.AdditionalFee)
	}
	if captured.Type != domain.ServiceTypeGas || captured.ExcludeID != "svc-gas" || captured.RadiusKm != 10 {
		t.Fatalf("unexpected nearby query %+v", captured)
	}

	want := []string{"b", "a", "c", "d", "e"}
	if len(result.Alternatives) != len(want) {
		t.Fatalf("expected %d alternatives, got %+v", len(want), result.Alternatives)
	}
	for i, id := range want {
		if result.Alternatives[i].ServiceID != id {
			t.Fatalf("alternative %d: expected %s, got %s", i, id, result.Alternatives[i].ServiceID)
		}
	}
	if result.Alternatives[0].PricePerUnit != "1000.00" {
		t.Fatalf("expected formatted price, got %s", result.Alternatives[0].PricePerUnit)
	}
}

func TestAvailabilityCheckErrors(t *testing.T) {
	suspended := gasService()
	suspended.ID = "svc-suspended"
	suspended.Status = domain.ServiceStatusSuspended

	m := newMarketplace(gasService(), suspended)
	m.addresses.addresses["addr-nowhere"] = domain.Address{ID: "addr-nowhere", UserID: testCustomer.ID}
	checker, err := NewAvailabilityService(AvailabilityServiceDeps{Services: m.services, Addresses: m.addresses})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}

	tests := []struct {
		name      string
		serviceID string
		addressID string
		want      error
	}{
		{name: "missing ids", want: ErrMissingFields},
		{name: "unknown service", serviceID: "svc-missing", addressID: "addr-1", want: ErrServiceNotFound},
		{name: "suspended service", serviceID: "svc-suspended", addressID: "addr-1", want: ErrServiceNotFound},
		{name: "unknown address", serviceID: "svc-gas", addressID: "addr-missing", want: ErrAddressLocationNotFound},
		{name: "address without location", serviceID: "svc-gas", addressID: "addr-nowhere", want: ErrAddressLocationNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := checker.Check(context.Background(), tc.serviceID, tc.addressID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/geo"
)

var (
	testNow      = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	lagosIsland  = domain.GeoPoint{Latitude: 6.4541, Longitude: 3.3947}
	testCustomer = Actor{ID: "cust-1", Role: RoleCustomer}
	testProvider = Actor{ID: "prov-1", Role: RoleProvider}
	testAdmin    = Actor{ID: "admin-1", Role: RoleAdmin}
)

func fixedClock() time.Time { return testNow }

type stubRoutes struct {
	km  float64
	err error
}

func (s stubRoutes) Route(context.Context, domain.GeoPoint, domain.GeoPoint) (geo.Route, error) {
	if s.err != nil {
		return geo.Route{}, s.err
	}
	return geo.Route{DistanceKm: s.km, Duration: 12 * time.Minute}, nil
}

func gasService() domain.Service {
	location := lagosIsland
	return domain.Service{
		ID:              "svc-gas",
		ProviderID:      testProvider.ID,
		Name:            "Island Gas",
		Type:            domain.ServiceTypeGas,
		ProductType:     "12.5kg cylinder",
		PricePerUnit:    decimal.NewFromInt(1000),
		DeliveryCost:    decimal.NewFromInt(100),
		BaseDeliveryFee: decimal.Zero,
		RadiusKm:        10,
		Location:        &location,
		Status:          domain.ServiceStatusActive,
		IsActive:        true,
		AvgRating:       4.2,
		RatingCount:     12,
	}
}

func customerAddress() domain.Address {
	location := lagosIsland
	return domain.Address{ID: "addr-1", UserID: testCustomer.ID, Label: "home", Location: &location}
}

type marketplace struct {
	services  *stubServiceRepo
	addresses *stubAddressRepo
	settings  *stubSettingsRepo
	vouchers  *stubVoucherRepo
	routes    RouteResolver
	events    *eventRecorder
}

func newMarketplace(services ...domain.Service) *marketplace {
	if len(services) == 0 {
		services = []domain.Service{gasService()}
	}
	byID := make(map[string]domain.Service, len(services))
	for _, service := range services {
		byID[service.ID] = service
	}
	return &marketplace{
		services:  &stubServiceRepo{services: byID},
		addresses: &stubAddressRepo{addresses: map[string]domain.Address{"addr-1": customerAddress()}},
		settings:  &stubSettingsRepo{},
		vouchers:  &stubVoucherRepo{vouchers: map[string]domain.Voucher{}, usages: map[string]int{}, perUser: map[string]int{}},
		events:    &eventRecorder{},
	}
}

func (m *marketplace) pricing(t *testing.T) PricingEngine {
	t.Helper()
	availability, err := NewAvailabilityService(AvailabilityServiceDeps{
		Services:  m.services,
		Addresses: m.addresses,
		Routes:    m.routes,
		Logger:    m.events.log,
	})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}
	settings, err := NewSettingsService(SettingsServiceDeps{Settings: m.settings, Logger: m.events.log})
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}
	vouchers, err := NewVoucherService(VoucherServiceDeps{Vouchers: m.vouchers, Clock: fixedClock, Logger: m.events.log})
	if err != nil {
		t.Fatalf("NewVoucherService: %v", err)
	}
	engine, err := NewPricingEngine(PricingEngineDeps{
		Services:     m.services,
		Addresses:    m.addresses,
		Availability: availability,
		Settings:     settings,
		Vouchers:     vouchers,
		Logger:       m.events.log,
	})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	return engine
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: expected %s, got %s", name, want, got.String())
	}
}

package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/platform/geo"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	servicesCollection = "services"
	maxNearbyScan      = 200
)

type serviceDocument struct {
	ProviderID      string    `firestore:"providerId"`
	Name            string    `firestore:"name"`
	Type            string    `firestore:"type"`
	ProductType     string    `firestore:"productType,omitempty"`
	PricePerUnit    string    `firestore:"pricePerUnit"`
	DeliveryCost    string    `firestore:"deliveryCost"`
	BaseDeliveryFee string    `firestore:"baseDeliveryFee,omitempty"`
	ServiceRadius   float64   `firestore:"serviceRadius"`
	Latitude        *float64  `firestore:"latitude"`
	Longitude       *float64  `firestore:"longitude"`
	Status          string    `firestore:"status"`
	IsActive        bool      `firestore:"isActive"`
	AvgRating       float64   `firestore:"avgRating"`
	RatingCount     int       `firestore:"ratingCount"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func (d serviceDocument) toDomain(id string) domain.Service {
	return domain.Service{
		ID:              id,
		ProviderID:      d.ProviderID,
		Name:            d.Name,
		Type:            domain.ServiceType(d.Type),
		ProductType:     d.ProductType,
		PricePerUnit:    parseDecimal(d.PricePerUnit),
		DeliveryCost:    parseDecimal(d.DeliveryCost),
		BaseDeliveryFee: parseDecimal(d.BaseDeliveryFee),
		RadiusKm:        d.ServiceRadius,
		Location:        geoPoint(d.Latitude, d.Longitude),
		Status:          domain.ServiceStatus(d.Status),
		IsActive:        d.IsActive,
		AvgRating:       d.AvgRating,
		RatingCount:     d.RatingCount,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func newServiceDocument(svc domain.Service) serviceDocument {
	lat, lng := coordinates(svc.Location)
	return serviceDocument{
		ProviderID:      svc.ProviderID,
		Name:            svc.Name,
		Type:            string(svc.Type),
		ProductType:     svc.ProductType,
		PricePerUnit:    svc.PricePerUnit.String(),
		DeliveryCost:    svc.DeliveryCost.String(),
		BaseDeliveryFee: svc.BaseDeliveryFee.String(),
		ServiceRadius:   svc.RadiusKm,
		Latitude:        lat,
		Longitude:       lng,
		Status:          string(svc.Status),
		IsActive:        svc.IsActive,
		AvgRating:       svc.AvgRating,
		RatingCount:     svc.RatingCount,
		CreatedAt:       svc.CreatedAt,
		UpdatedAt:       svc.UpdatedAt,
	}
}

// ServiceRepository reads service listings from Firestore.
type ServiceRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ServiceRepository = (*ServiceRepository)(nil)

// NewServiceRepository constructs a Firestore-backed service repository.
func NewServiceRepository(provider *pfirestore.Provider) (*ServiceRepository, error) {
	if provider == nil {
		return nil, errors.New("service repository requires firestore provider")
	}
	return &ServiceRepository{provider: provider}, nil
}

func (r *ServiceRepository) FindByID(ctx context.Context, serviceID string) (domain.Service, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return domain.Service{}, pfirestore.NotFound("services.get", "service id is empty")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Service{}, pfirestore.WrapError("services.get", err)
	}
	snap, err := client.Collection(servicesCollection).Doc(serviceID).Get(ctx)
	if err != nil {
		return domain.Service{}, pfirestore.WrapError("services.get", err)
	}
	var doc serviceDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Service{}, pfirestore.WrapError("services.decode", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// ListNearby scans the latitude band around the centre and keeps orderable services whose
// great-circle distance is within the radius. Results are unordered.
func (r *ServiceRepository) ListNearby(ctx context.Context, query repositories.NearbyQuery) ([]domain.Service, error) {
	if query.RadiusKm <= 0 {
		return nil, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("services.nearby", err)
	}

	minLat, maxLat := geo.LatitudeBounds(query.Center, query.RadiusKm)
	iter := client.Collection(servicesCollection).
		Where("type", "==", string(query.Type)).
		Where("isActive", "==", true).
		Where("latitude", ">=", minLat).
		Where("latitude", "<=", maxLat).
		Limit(maxNearbyScan).
		Documents(ctx)

	candidates, err := pfirestore.Collect("services.nearby", iter, pfirestore.Decode(func(id string, doc serviceDocument) domain.Service {
		return doc.toDomain(id)
	}))
	if err != nil {
		return nil, err
	}

	var out []domain.Service
	for _, svc := range candidates {
		if svc.ID == query.ExcludeID || !svc.Orderable() || svc.Location == nil {
			continue
		}
		if geo.HaversineKm(query.Center, *svc.Location) > query.RadiusKm {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

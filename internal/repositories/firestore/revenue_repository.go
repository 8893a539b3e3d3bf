package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	revenueCollection = "serviceRevenue"
	revenueDateLayout = "2006-01-02"
)

type revenueDocument struct {
	ServiceID         string    `firestore:"serviceId"`
	Date              string    `firestore:"date"`
	TotalOrders       int64     `firestore:"totalOrders"`
	TotalRevenueMinor int64     `firestore:"totalRevenueMinor"`
	DeliveryFeesMinor int64     `firestore:"deliveryFeesMinor"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func revenueDocID(serviceID, date string) string {
	return serviceID + "_" + date
}

// revenueIncrementFields builds a merge payload whose counters are applied server-side, so concurrent
// increments for the same day add up instead of overwriting each other.
func revenueIncrementFields(inc repositories.RevenueIncrement) map[string]any {
	at := inc.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return map[string]any{
		"serviceId":         inc.ServiceID,
		"date":              inc.Date,
		"totalOrders":       firestore.Increment(inc.Orders),
		"totalRevenueMinor": firestore.Increment(inc.RevenueMinor),
		"deliveryFeesMinor": firestore.Increment(inc.DeliveryFeesMinor),
		"updatedAt":         at,
	}
}

// RevenueRepository maintains per-service daily rollups.
type RevenueRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.RevenueRepository = (*RevenueRepository)(nil)

// NewRevenueRepository constructs a Firestore-backed revenue repository.
func NewRevenueRepository(provider *pfirestore.Provider) (*RevenueRepository, error) {
	if provider == nil {
		return nil, errors.New("revenue repository requires firestore provider")
	}
	return &RevenueRepository{provider: provider}, nil
}

func (r *RevenueRepository) Apply(ctx context.Context, inc repositories.RevenueIncrement) error {
	if inc.ServiceID == "" || inc.Date == "" {
		return errors.New("revenue apply: service id and date are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("revenue.apply", err)
	}
	_, err = client.Collection(revenueCollection).Doc(revenueDocID(inc.ServiceID, inc.Date)).
		Set(ctx, revenueIncrementFields(inc), firestore.MergeAll)
	return pfirestore.WrapError("revenue.apply", err)
}

// ListDaily returns rollups for the inclusive UTC day range, oldest first.
func (r *RevenueRepository) ListDaily(ctx context.Context, serviceID string, from, to time.Time) ([]domain.ServiceRevenue, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("revenue.list", err)
	}
	iter := client.Collection(revenueCollection).
		Where("serviceId", "==", serviceID).
		Where("date", ">=", from.UTC().Format(revenueDateLayout)).
		Where("date", "<=", to.UTC().Format(revenueDateLayout)).
		OrderBy("date", firestore.Asc).
		Documents(ctx)
	return pfirestore.Collect("revenue.list", iter, pfirestore.Decode(func(_ string, doc revenueDocument) domain.ServiceRevenue {
		return domain.ServiceRevenue{
			ServiceID:    doc.ServiceID,
			Date:         doc.Date,
			TotalOrders:  doc.TotalOrders,
			TotalRevenue: domain.FromMinor(doc.TotalRevenueMinor),
			DeliveryFees: domain.FromMinor(doc.DeliveryFeesMinor),
			UpdatedAt:    doc.UpdatedAt,
		}
	}))
}

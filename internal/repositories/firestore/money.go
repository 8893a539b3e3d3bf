package firestore

import (
	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
)

// Amounts are stored as decimal strings; malformed values decode as zero.
func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDecimal(raw *string) decimal.NullDecimal {
	if raw == nil || *raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func geoPoint(lat, lng *float64) *domain.GeoPoint {
	if lat == nil || lng == nil {
		return nil
	}
	return &domain.GeoPoint{Latitude: *lat, Longitude: *lng}
}

func coordinates(point *domain.GeoPoint) (*float64, *float64) {
	if point == nil {
		return nil, nil
	}
	lat, lng := point.Latitude, point.Longitude
	return &lat, &lng
}

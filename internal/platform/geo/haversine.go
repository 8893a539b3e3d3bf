// Package geo holds distance helpers used by availability checks and nearby search.
package geo

import (
	"math"

	"github.com/quicrefill/api/internal/domain"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(from, to domain.GeoPoint) float64 {
	dLat := degreesToRadians(to.Latitude - from.Latitude)
	dLng := degreesToRadians(to.Longitude - from.Longitude)

	rLat1 := degreesToRadians(from.Latitude)
	rLat2 := degreesToRadians(to.Latitude)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// LatitudeBounds returns the latitude band that contains every point within radiusKm of center.
// Firestore can range-filter on one field only, so callers filter longitude with HaversineKm.
func LatitudeBounds(center domain.GeoPoint, radiusKm float64) (float64, float64) {
	delta := radiusKm / earthRadiusKm * 180 / math.Pi
	return math.Max(center.Latitude-delta, -90), math.Min(center.Latitude+delta, 90)
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"github.com/quicrefill/api/internal/domain"
)

// Route is a driving distance between two points.
type Route struct {
	DistanceKm float64
	Duration   time.Duration
}

// DistanceMatrixClient resolves road distances with the Google Distance Matrix API.
type DistanceMatrixClient struct {
	client *maps.Client
}

// NewDistanceMatrixClient creates a client for apiKey. Extra options are for tests (maps.WithBaseURL).
func NewDistanceMatrixClient(apiKey string, opts ...maps.ClientOption) (*DistanceMatrixClient, error) {
	if apiKey == "" {
		return nil, errors.New("geo: maps api key is required")
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("geo: create maps client: %w", err)
	}
	return &DistanceMatrixClient{client: client}, nil
}

// Route returns the driving distance and duration from origin to destination.
func (c *DistanceMatrixClient) Route(ctx context.Context, origin, destination domain.GeoPoint) (Route, error) {
	resp, err := c.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{formatPoint(origin)},
		Destinations: []string{formatPoint(destination)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		return Route{}, fmt.Errorf("geo: distance matrix: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, errors.New("geo: distance matrix returned no elements")
	}
	element := resp.Rows[0].Elements[0]
	if element.Status != "OK" {
		return Route{}, fmt.Errorf("geo: distance matrix element status %s", element.Status)
	}
	return Route{
		DistanceKm: float64(element.Distance.Meters) / 1000,
		Duration:   element.Duration,
	}, nil
}

func formatPoint(p domain.GeoPoint) string {
	return strconv.FormatFloat(p.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(p.Longitude, 'f', 6, 64)
}

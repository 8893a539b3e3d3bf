package repositories

import (
	"context"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/platform/cache"
)

// CacheLogger receives cache failures. Reads fall through to the wrapped repository.
type CacheLogger func(ctx context.Context, event string, fields map[string]any)

type cachedServiceRepository struct {
	next   ServiceRepository
	cache  *cache.JSONCache
	logger CacheLogger
}

// NewCachedServiceRepository serves FindByID from the listing cache. Entries expire with the cache TTL
// and are not invalidated on writes, so listings may be stale for up to one TTL.
func NewCachedServiceRepository(next ServiceRepository, c *cache.JSONCache, logger CacheLogger) ServiceRepository {
	if c == nil {
		return next
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cachedServiceRepository{next: next, cache: c, logger: logger}
}

func (r *cachedServiceRepository) FindByID(ctx context.Context, serviceID string) (domain.Service, error) {
	var svc domain.Service
	hit, err := r.cache.Get(ctx, serviceID, &svc)
	if err != nil {
		r.logger(ctx, "services.cache.read.failed", map[string]any{"serviceId": serviceID, "error": err.Error()})
	}
	if hit {
		return svc, nil
	}

	svc, err = r.next.FindByID(ctx, serviceID)
	if err != nil {
		return domain.Service{}, err
	}
	if err := r.cache.Set(ctx, serviceID, svc); err != nil {
		r.logger(ctx, "services.cache.write.failed", map[string]any{"serviceId": serviceID, "error": err.Error()})
	}
	return svc, nil
}

func (r *cachedServiceRepository) ListNearby(ctx context.Context, query NearbyQuery) ([]domain.Service, error) {
	return r.next.ListNearby(ctx, query)
}

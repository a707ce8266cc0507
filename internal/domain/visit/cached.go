package visit

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedResolver memoizes anchor to subject lookups. A visit never changes
// patient, so entries only expire to bound memory. Misses and errors are not
// cached.
type CachedResolver struct {
	next  Resolver
	cache *gocache.Cache
}

func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedResolver{
		next:  next,
		cache: gocache.New(ttl, ttl+ttl/2),
	}
}

func (c *CachedResolver) SubjectForAnchor(ctx context.Context, anchorID int64) (int64, error) {
	key := strconv.FormatInt(anchorID, 10)
	if v, ok := c.cache.Get(key); ok {
		return v.(int64), nil
	}
	subjectID, err := c.next.SubjectForAnchor(ctx, anchorID)
	if err != nil {
		return 0, err
	}
	c.cache.Set(key, subjectID, gocache.DefaultExpiration)
	return subjectID, nil
}

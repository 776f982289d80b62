package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tenantCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foamsync_tenant_cache_hits_total",
		Help: "Tenant existence lookups served from the in-process cache.",
	})
	tenantCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foamsync_tenant_cache_misses_total",
		Help: "Tenant existence lookups that fell through to the database.",
	})
)

// tenantCache remembers tenants known to exist. Tenants are never deleted, so entries only expire by TTL.
type tenantCache struct {
	cache *expirable.LRU[string, struct{}]
}

func newTenantCache(size int, ttl time.Duration) *tenantCache {
	return &tenantCache{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (c *tenantCache) contains(tenantID string) bool {
	if _, ok := c.cache.Get(tenantID); ok {
		tenantCacheHitsTotal.Inc()
		return true
	}
	tenantCacheMissesTotal.Inc()
	return false
}

func (c *tenantCache) add(tenantID string) {
	c.cache.Add(tenantID, struct{}{})
}

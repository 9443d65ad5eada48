package service

import (
	"context"
	"sync"
	"time"

	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/cache"
	"go.uber.org/zap"
)

// planCatalog resolves product references to display names from the
// processor's product listing. Entries refresh lazily on miss; a refresh
// failure degrades to a miss so callers keep whatever label they had.
type planCatalog struct {
	gateway billingdomain.Gateway
	log     *zap.Logger
	names   *cache.TTLCache[string, string]
	ttl     time.Duration

	mu          sync.Mutex
	lastRefresh time.Time
}

// refreshBackoff bounds how often a miss may trigger a full catalog fetch.
const refreshBackoff = 30 * time.Second

func newPlanCatalog(gateway billingdomain.Gateway, log *zap.Logger, ttl time.Duration) *planCatalog {
	return &planCatalog{
		gateway: gateway,
		log:     log,
		names:   cache.NewTTLCache[string, string](),
		ttl:     ttl,
	}
}

// PlanName returns the display name for a product reference. The boolean
// reports whether the catalog knows the product.
func (c *planCatalog) PlanName(ctx context.Context, productID string) (string, bool) {
	if productID == "" {
		return "", false
	}
	if name, ok := c.names.Get(productID); ok {
		return name, true
	}

	c.refresh(ctx)
	return c.names.Get(productID)
}

func (c *planCatalog) refresh(ctx context.Context) {
	c.mu.Lock()
	if time.Since(c.lastRefresh) < refreshBackoff {
		c.mu.Unlock()
		return
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	products, err := c.gateway.ListActiveProducts(ctx)
	if err != nil {
		c.log.Warn("plan catalog refresh failed", zap.Error(err))
		return
	}
	for _, product := range products {
		if product.ID == "" || product.Name == "" {
			continue
		}
		c.names.Set(product.ID, product.Name, c.ttl)
	}
}

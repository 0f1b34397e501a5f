package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/esinanturan/polar/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const (
	benefitCacheKeyPrefix        = "polar::benefit::v1"
	productBenefitCacheKeyPrefix = "polar::product_benefits::v1"
)

type benefitSource interface {
	core.BenefitReader
	core.ProductBenefitReader
	ListBenefitProducts(ctx context.Context, benefitID string) ([]string, error)
}

// CachedBenefitStore puts a read-through cache in front of benefit reads.
// Writes committed through the unit of work evict the affected entries.
type CachedBenefitStore struct {
	base  benefitSource
	cache repositorycache.CacheService
}

func NewCachedBenefitStore(base benefitSource, cacheService repositorycache.CacheService) (*CachedBenefitStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base benefit store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: benefit cache service is required")
	}
	return &CachedBenefitStore{base: base, cache: cacheService}, nil
}

// BenefitCacheKey is polar::benefit::v1::<benefit_id> with the id URL-path
// escaped.
func BenefitCacheKey(benefitID string) string {
	return benefitCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(benefitID))
}

func ProductBenefitsCacheKey(productID string) string {
	return productBenefitCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(productID))
}

func (s *CachedBenefitStore) GetBenefit(ctx context.Context, id string) (core.Benefit, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Benefit{}, fmt.Errorf("sqlstore: cached benefit store is not configured")
	}
	id = strings.TrimSpace(id)
	benefit, err := repositorycache.GetOrFetch(ctx, s.cache, BenefitCacheKey(id), func(ctx context.Context) (core.Benefit, error) {
		return s.base.GetBenefit(ctx, id)
	})
	if err != nil {
		return core.Benefit{}, err
	}
	return cloneBenefit(benefit), nil
}

func (s *CachedBenefitStore) ListProductBenefits(ctx context.Context, productID string) ([]core.Benefit, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached benefit store is not configured")
	}
	productID = strings.TrimSpace(productID)
	benefits, err := repositorycache.GetOrFetch(ctx, s.cache, ProductBenefitsCacheKey(productID), func(ctx context.Context) ([]core.Benefit, error) {
		return s.base.ListProductBenefits(ctx, productID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.Benefit, 0, len(benefits))
	for _, benefit := range benefits {
		out = append(out, cloneBenefit(benefit))
	}
	return out, nil
}

// InvalidateBenefit evicts the benefit entry. Product listings are keyed by
// product, so callers changing attachments evict those separately.
func (s *CachedBenefitStore) InvalidateBenefit(ctx context.Context, benefitID string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, BenefitCacheKey(benefitID))
}

func (s *CachedBenefitStore) InvalidateProduct(ctx context.Context, productID string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, ProductBenefitsCacheKey(productID))
}

// EvictPlan drops the entries a committed plan changed. Product listings
// filter deleted benefits, so a deletion also evicts every product the
// benefit is attached to.
func (s *CachedBenefitStore) EvictPlan(ctx context.Context, plan core.Plan) error {
	if s == nil || s.cache == nil {
		return nil
	}
	if plan.Benefit != nil {
		if err := s.InvalidateBenefit(ctx, plan.Benefit.ID); err != nil {
			return err
		}
	}
	if id := strings.TrimSpace(plan.SoftDeleteBenefitID); id != "" {
		if err := s.InvalidateBenefit(ctx, id); err != nil {
			return err
		}
		productIDs, err := s.base.ListBenefitProducts(ctx, id)
		if err != nil {
			return err
		}
		for _, productID := range productIDs {
			if err := s.InvalidateProduct(ctx, productID); err != nil {
				return err
			}
		}
	}
	return nil
}

func cloneBenefit(benefit core.Benefit) core.Benefit {
	cloned := benefit
	cloned.Properties = benefit.Properties.Clone()
	cloned.DeletedAt = cloneTimePointer(benefit.DeletedAt)
	return cloned
}

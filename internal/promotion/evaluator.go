package promotion

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
)

const cacheGroup = "promotions"

// Source is the read surface the evaluator needs; the store Repository
// satisfies it.
type Source interface {
	ListActivePromotions(ctx context.Context) ([]domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error)
}

// Eligible pairs an automatic promotion with the discount it would yield for
// a specific cart.
type Eligible struct {
	Promotion     domain.Promotion `json:"promotion"`
	DiscountCents int64            `json:"discount_cents"`
}

// Evaluator computes promotion discounts for cart snapshots. All computation
// is side-effect free; usage recording happens at order placement, not here.
type Evaluator struct {
	source   Source
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewEvaluator(source Source, cacheStore cache.Cache, cacheTTL time.Duration) *Evaluator {
	if cacheStore == nil {
		cacheStore = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}

	return &Evaluator{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateCode resolves a coupon code against the cart. It returns (0, nil,
// nil) when the code does not resolve to a usable promotion: unknown code,
// inactive, outside its validity window, usage limit reached, empty cart, or
// a monetary discount that computes to zero. For free_shipping promotions the
// returned amount is always 0; the shipping waiver is applied by the order
// evaluation, not here.
func (e *Evaluator) ValidateCode(ctx context.Context, snap *domain.CartSnapshot, code string) (int64, *domain.Promotion, error) {
	code = strings.TrimSpace(code)
	if code == "" || snap == nil || snap.Empty() {
		return 0, nil, nil
	}

	promo, err := e.source.GetPromotionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, nil
		}
		return 0, nil, err
	}

	if !promo.Active || !promo.WithinWindow(e.now()) || !promo.HasUsageHeadroom() {
		return 0, nil, nil
	}

	if promo.Type == domain.PromotionFreeShipping {
		if !e.Eligible(promo, snap) {
			return 0, nil, nil
		}
		return 0, promo, nil
	}

	amount := e.CalculateDiscount(promo, snap)
	if amount <= 0 {
		return 0, nil, nil
	}
	return amount, promo, nil
}

// CalculateDiscount computes the monetary discount a promotion yields for a
// cart snapshot. Zero means the promotion does not apply.
func (e *Evaluator) CalculateDiscount(promo *domain.Promotion, snap *domain.CartSnapshot) int64 {
	if promo == nil || snap == nil || snap.Empty() {
		return 0
	}
	if !e.Eligible(promo, snap) {
		return 0
	}

	subtotal := snap.SubtotalCents()

	switch promo.Type {
	case domain.PromotionPercentage:
		return int64(math.Round(float64(subtotal) * promo.ValuePercent / 100))
	case domain.PromotionFixed:
		if promo.ValueCents > subtotal {
			return subtotal
		}
		return promo.ValueCents
	case domain.PromotionFreeShipping:
		// The waiver is a shipping concern, never a monetary discount.
		return 0
	case domain.PromotionBuyXGetY:
		var total int64
		for _, reward := range promo.Rewards {
			total += rewardDiscount(reward, snap)
		}
		return total
	default:
		return 0
	}
}

// Eligible applies the gates shared by every promotion type: the minimum
// order value and the condition groups. Conditions are grouped by type; a
// group passes when at least one of its conditions is satisfied, and every
// group must pass.
func (e *Evaluator) Eligible(promo *domain.Promotion, snap *domain.CartSnapshot) bool {
	if promo.MinOrderValueCents > 0 && snap.SubtotalCents() < promo.MinOrderValueCents {
		return false
	}

	groups := make(map[domain.ConditionType][]domain.PromotionCondition)
	for _, cond := range promo.Conditions {
		groups[cond.Type] = append(groups[cond.Type], cond)
	}

	for _, conds := range groups {
		satisfied := false
		for _, cond := range conds {
			if conditionSatisfied(cond, snap) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

func conditionSatisfied(cond domain.PromotionCondition, snap *domain.CartSnapshot) bool {
	required := cond.Quantity
	if required < 1 {
		required = 1
	}

	switch cond.Type {
	case domain.ConditionProduct:
		return quantityMatching(snap, func(line domain.CartLine) bool {
			return line.Product.ID == cond.EntityID
		}) >= required
	case domain.ConditionCategory:
		return quantityMatching(snap, func(line domain.CartLine) bool {
			return line.Product.CategoryID == cond.EntityID
		}) >= required
	case domain.ConditionBrand:
		return quantityMatching(snap, func(line domain.CartLine) bool {
			return line.Product.BrandID == cond.EntityID
		}) >= required
	case domain.ConditionCustomer:
		return cond.EntityID == "" || snap.UserID == cond.EntityID
	default:
		return false
	}
}

func quantityMatching(snap *domain.CartSnapshot, match func(domain.CartLine) bool) int {
	total := 0
	for _, line := range snap.Lines {
		if match(line) {
			total += line.Item.Quantity
		}
	}
	return total
}

// rewardDiscount discounts the cheapest eligible units first, caps the
// discounted quantity at reward.Quantity cumulatively across matched items,
// and applies reward.DiscountPercent (default 100, i.e. free) per unit.
func rewardDiscount(reward domain.PromotionReward, snap *domain.CartSnapshot) int64 {
	var matched []domain.CartLine
	for _, line := range snap.Lines {
		var ok bool
		switch reward.Type {
		case domain.RewardProduct:
			ok = line.Product.ID == reward.EntityID
		case domain.RewardCategory:
			ok = line.Product.CategoryID == reward.EntityID
		case domain.RewardBrand:
			ok = line.Product.BrandID == reward.EntityID
		}
		if ok && line.Item.Quantity > 0 {
			matched = append(matched, line)
		}
	}
	if len(matched) == 0 {
		return 0
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UnitPriceCents < matched[j].UnitPriceCents
	})

	percent := reward.DiscountPercent
	if percent <= 0 {
		percent = 100
	}

	remaining := reward.Quantity // 0 means unlimited
	var total int64
	for _, line := range matched {
		units := line.Item.Quantity
		if reward.Quantity > 0 {
			if remaining == 0 {
				break
			}
			if units > remaining {
				units = remaining
			}
			remaining -= units
		}
		perUnit := int64(math.Round(float64(line.UnitPriceCents) * percent / 100))
		total += perUnit * int64(units)
	}
	return total
}

// EligiblePromotions lists automatic promotions that would yield a positive
// discount for the cart. Results are cached briefly per cart fingerprint;
// writes to the promotions group invalidate the cache.
func (e *Evaluator) EligiblePromotions(ctx context.Context, snap *domain.CartSnapshot) ([]Eligible, error) {
	if snap == nil || snap.Empty() {
		return nil, nil
	}

	key := cartFingerprint(snap)
	if raw, ok, err := e.cache.Get(ctx, cacheGroup, key); err == nil && ok {
		var cached []Eligible
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	promos, err := e.source.ListActivePromotions(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	eligible := make([]Eligible, 0, len(promos))
	for i := range promos {
		promo := promos[i]
		if !promo.Automatic() || !promo.Active || !promo.WithinWindow(now) || !promo.HasUsageHeadroom() {
			continue
		}
		amount := e.CalculateDiscount(&promo, snap)
		if amount <= 0 {
			continue
		}
		eligible = append(eligible, Eligible{Promotion: promo, DiscountCents: amount})
	}

	if payload, err := json.Marshal(eligible); err == nil {
		if err := e.cache.Set(ctx, cacheGroup, key, string(payload), e.cacheTTL); err != nil {
			log.Printf("[promotion] WARN: failed to cache eligible promotions: %v", err)
		}
	}

	return eligible, nil
}

// BestAutomatic picks the eligible automatic promotion with the strictly
// highest discount; ties keep the first encountered. Returns (0, nil, nil)
// when none applies.
func (e *Evaluator) BestAutomatic(ctx context.Context, snap *domain.CartSnapshot) (int64, *domain.Promotion, error) {
	eligible, err := e.EligiblePromotions(ctx, snap)
	if err != nil {
		return 0, nil, err
	}

	var best *domain.Promotion
	var bestAmount int64
	for i := range eligible {
		if eligible[i].DiscountCents > bestAmount {
			bestAmount = eligible[i].DiscountCents
			best = &eligible[i].Promotion
		}
	}
	if best == nil {
		return 0, nil, nil
	}
	return bestAmount, best, nil
}

// Invalidate drops every cached evaluation; call after promotion writes.
func (e *Evaluator) Invalidate(ctx context.Context) {
	if err := e.cache.InvalidateGroup(ctx, cacheGroup); err != nil {
		log.Printf("[promotion] WARN: failed to invalidate promotion cache: %v", err)
	}
}

func cartFingerprint(snap *domain.CartSnapshot) string {
	parts := make([]string, 0, len(snap.Lines)+1)
	parts = append(parts, snap.UserID)
	for _, line := range snap.Lines {
		parts = append(parts, fmt.Sprintf("%s|%s|%d|%d", line.Item.ProductID, line.Item.VariantID, line.Item.Quantity, line.UnitPriceCents))
	}
	sort.Strings(parts[1:])

	sum := sha1.Sum([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}

package promotion

import (
	"context"
	"testing"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/domain"
	"storefront/backend/internal/store/memory"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return NewEvaluator(repo, cache.Noop{}, 5*time.Second), repo
}

func snapshotWith(lines ...domain.CartLine) *domain.CartSnapshot {
	return &domain.CartSnapshot{UserID: "cust-1", Lines: lines}
}

func line(productID, categoryID, brandID string, unitPrice int64, qty int) domain.CartLine {
	return domain.CartLine{
		Item:           domain.CartItem{ProductID: productID, Quantity: qty},
		Product:        domain.Product{ID: productID, CategoryID: categoryID, BrandID: brandID, Active: true},
		UnitPriceCents: unitPrice,
	}
}

func TestPercentageDiscount(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{Type: domain.PromotionPercentage, ValuePercent: 20, Active: true}
	snap := snapshotWith(line("p1", "c1", "b1", 10000, 2))

	got := eval.CalculateDiscount(promo, snap)
	if got != 4000 {
		t.Fatalf("expected 4000 off a 20000 subtotal, got %d", got)
	}
}

func TestFixedDiscountCappedAtSubtotal(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{Type: domain.PromotionFixed, ValueCents: 5000, Active: true}
	snap := snapshotWith(line("p1", "c1", "b1", 1500, 2))

	got := eval.CalculateDiscount(promo, snap)
	if got != 3000 {
		t.Fatalf("expected the discount capped at the 3000 subtotal, got %d", got)
	}
}

func TestMinOrderValueGate(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{Type: domain.PromotionPercentage, ValuePercent: 10, MinOrderValueCents: 5000, Active: true}

	below := snapshotWith(line("p1", "c1", "b1", 1000, 4))
	if got := eval.CalculateDiscount(promo, below); got != 0 {
		t.Fatalf("expected no discount below the minimum, got %d", got)
	}

	at := snapshotWith(line("p1", "c1", "b1", 1000, 5))
	if got := eval.CalculateDiscount(promo, at); got != 500 {
		t.Fatalf("expected 500 at the minimum, got %d", got)
	}
}

func TestConditionGroupsOrWithinAndAcross(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{
		Type:         domain.PromotionPercentage,
		ValuePercent: 10,
		Active:       true,
		Conditions: []domain.PromotionCondition{
			{Type: domain.ConditionProduct, EntityID: "p-a"},
			{Type: domain.ConditionProduct, EntityID: "p-b"},
			{Type: domain.ConditionCategory, EntityID: "c-x"},
		},
	}

	// p-b satisfies the product group and its category satisfies the other.
	both := snapshotWith(line("p-b", "c-x", "b1", 1000, 1))
	if got := eval.CalculateDiscount(promo, both); got == 0 {
		t.Fatalf("expected the discount to apply when every group passes")
	}

	// p-a satisfies the product group but nothing is in category c-x.
	productOnly := snapshotWith(line("p-a", "c-other", "b1", 1000, 1))
	if got := eval.CalculateDiscount(promo, productOnly); got != 0 {
		t.Fatalf("expected no discount when the category group fails, got %d", got)
	}
}

func TestConditionQuantityThreshold(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{
		Type:         domain.PromotionPercentage,
		ValuePercent: 10,
		Active:       true,
		Conditions: []domain.PromotionCondition{
			{Type: domain.ConditionProduct, EntityID: "p-a", Quantity: 3},
		},
	}

	if got := eval.CalculateDiscount(promo, snapshotWith(line("p-a", "c1", "b1", 1000, 2))); got != 0 {
		t.Fatalf("expected no discount with 2 of 3 required units, got %d", got)
	}
	if got := eval.CalculateDiscount(promo, snapshotWith(line("p-a", "c1", "b1", 1000, 3))); got == 0 {
		t.Fatalf("expected the discount with the required quantity present")
	}
}

func TestCustomerConditionMatchesUser(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{
		Type:         domain.PromotionPercentage,
		ValuePercent: 10,
		Active:       true,
		Conditions: []domain.PromotionCondition{
			{Type: domain.ConditionCustomer, EntityID: "cust-1"},
		},
	}

	mine := snapshotWith(line("p1", "c1", "b1", 1000, 1))
	if got := eval.CalculateDiscount(promo, mine); got == 0 {
		t.Fatalf("expected the discount for the targeted customer")
	}

	theirs := &domain.CartSnapshot{UserID: "cust-2", Lines: mine.Lines}
	if got := eval.CalculateDiscount(promo, theirs); got != 0 {
		t.Fatalf("expected no discount for another customer, got %d", got)
	}
}

func TestBuyXGetYDiscountsCheapestUnitsFirst(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{
		Type:   domain.PromotionBuyXGetY,
		Active: true,
		Rewards: []domain.PromotionReward{
			{Type: domain.RewardCategory, EntityID: "c-snacks", Quantity: 3, DiscountPercent: 50},
		},
	}
	snap := snapshotWith(
		line("p-pricey", "c-snacks", "b1", 3000, 2),
		line("p-cheap", "c-snacks", "b1", 1000, 2),
	)

	// Two cheap units then one pricey unit: 500*2 + 1500*1.
	got := eval.CalculateDiscount(promo, snap)
	if got != 2500 {
		t.Fatalf("expected 2500, got %d", got)
	}
}

func TestBuyXGetYDefaultsToFullDiscount(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	promo := &domain.Promotion{
		Type:   domain.PromotionBuyXGetY,
		Active: true,
		Rewards: []domain.PromotionReward{
			{Type: domain.RewardProduct, EntityID: "p-gift", Quantity: 1},
		},
	}
	snap := snapshotWith(line("p-gift", "c1", "b1", 2000, 2))

	if got := eval.CalculateDiscount(promo, snap); got != 2000 {
		t.Fatalf("expected one free unit worth 2000, got %d", got)
	}
}

func TestValidateCodeYieldsNothingForUnusablePromotions(t *testing.T) {
	eval, repo := newTestEvaluator(t)
	ctx := context.Background()
	snap := snapshotWith(line("p1", "c1", "b1", 10000, 1))

	past := time.Now().UTC().Add(-time.Hour)
	cases := []domain.Promotion{
		{ID: "pr-inactive", Name: "Inactive", Type: domain.PromotionPercentage, ValuePercent: 10, Code: "INACTIVE", Active: false},
		{ID: "pr-expired", Name: "Expired", Type: domain.PromotionPercentage, ValuePercent: 10, Code: "EXPIRED", Active: true, ExpiresAt: &past},
		{ID: "pr-used-up", Name: "UsedUp", Type: domain.PromotionPercentage, ValuePercent: 10, Code: "USEDUP", Active: true, UsageLimit: 1, UsageCount: 1},
	}
	for _, promo := range cases {
		if _, err := repo.CreatePromotion(ctx, promo); err != nil {
			t.Fatalf("seed promotion %s: %v", promo.ID, err)
		}
	}

	for _, code := range []string{"NOSUCH", "INACTIVE", "EXPIRED", "USEDUP"} {
		amount, applied, err := eval.ValidateCode(ctx, snap, code)
		if err != nil {
			t.Fatalf("code %s: unexpected error: %v", code, err)
		}
		if amount != 0 || applied != nil {
			t.Fatalf("code %s: expected no promotion, got amount=%d applied=%v", code, amount, applied)
		}
	}

	if amount, applied, err := eval.ValidateCode(ctx, &domain.CartSnapshot{UserID: "cust-1"}, "EXPIRED"); err != nil || amount != 0 || applied != nil {
		t.Fatalf("empty cart: expected no promotion, got amount=%d applied=%v err=%v", amount, applied, err)
	}
}

func TestValidateCodeFreeShippingReturnsZeroAmount(t *testing.T) {
	eval, repo := newTestEvaluator(t)
	ctx := context.Background()

	_, err := repo.CreatePromotion(ctx, domain.Promotion{
		ID: "pr-ship", Name: "Ship Free", Type: domain.PromotionFreeShipping, Code: "SHIPFREE", Active: true,
	})
	if err != nil {
		t.Fatalf("seed promotion: %v", err)
	}

	amount, applied, err := eval.ValidateCode(ctx, snapshotWith(line("p1", "c1", "b1", 5000, 1)), "SHIPFREE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied == nil || applied.Type != domain.PromotionFreeShipping {
		t.Fatalf("expected the free shipping promotion to resolve")
	}
	if amount != 0 {
		t.Fatalf("free shipping must not carry a monetary discount, got %d", amount)
	}
}

func TestBestAutomaticPicksStrictlyHighestDiscount(t *testing.T) {
	eval, repo := newTestEvaluator(t)
	ctx := context.Background()

	seed := []domain.Promotion{
		{ID: "pr-30", Name: "Thirty", Type: domain.PromotionPercentage, ValuePercent: 30, Active: true},
		{ID: "pr-45", Name: "FortyFive", Type: domain.PromotionPercentage, ValuePercent: 45, Active: true},
		{ID: "pr-coded", Name: "Coded", Type: domain.PromotionPercentage, ValuePercent: 90, Code: "NOTAUTO", Active: true},
	}
	for _, promo := range seed {
		if _, err := repo.CreatePromotion(ctx, promo); err != nil {
			t.Fatalf("seed promotion %s: %v", promo.ID, err)
		}
	}

	amount, best, err := eval.BestAutomatic(ctx, snapshotWith(line("p1", "c1", "b1", 10000, 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best == nil || best.ID != "pr-45" {
		t.Fatalf("expected pr-45 to win, got %+v", best)
	}
	if amount != 4500 {
		t.Fatalf("expected 4500, got %d", amount)
	}
}

func TestEligiblePromotionsSkipsOutOfWindow(t *testing.T) {
	eval, repo := newTestEvaluator(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	for _, promo := range []domain.Promotion{
		{ID: "pr-live", Name: "Live", Type: domain.PromotionPercentage, ValuePercent: 10, Active: true},
		{ID: "pr-later", Name: "Later", Type: domain.PromotionPercentage, ValuePercent: 50, Active: true, StartsAt: &future},
	} {
		if _, err := repo.CreatePromotion(ctx, promo); err != nil {
			t.Fatalf("seed promotion %s: %v", promo.ID, err)
		}
	}

	eligible, err := eval.EligiblePromotions(ctx, snapshotWith(line("p1", "c1", "b1", 10000, 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eligible) != 1 || eligible[0].Promotion.ID != "pr-live" {
		t.Fatalf("expected only the live promotion, got %+v", eligible)
	}
}

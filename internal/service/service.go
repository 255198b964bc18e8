package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/notify"
	"storefront/backend/internal/payment"
	"storefront/backend/internal/promotion"
	"storefront/backend/internal/settings"
	"storefront/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	evaluator *promotion.Evaluator
	settings  *settings.Repository
	gateway   payment.Gateway
	notifier  notify.Notifier
	now       func() time.Time
}

func New(repo store.Repository, evaluator *promotion.Evaluator, settingsRepo *settings.Repository, gateway payment.Gateway, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	return &Service{
		repo:      repo,
		evaluator: evaluator,
		settings:  settingsRepo,
		gateway:   gateway,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, fmt.Errorf("authentication required")
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, fmt.Errorf("admin role required")
	}
	return actor, nil
}

// --- catalog ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, []domain.ProductVariant, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, nil, err
	}
	variants, err := s.repo.ListVariants(ctx, productID)
	if err != nil {
		return domain.Product{}, nil, err
	}
	return *product, variants, nil
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.PriceCents < 1 {
		return domain.Product{}, fmt.Errorf("%w: product needs a name and a positive price", store.ErrValidation)
	}
	if product.SalePriceCents != nil && (*product.SalePriceCents < 1 || *product.SalePriceCents >= product.PriceCents) {
		return domain.Product{}, fmt.Errorf("%w: sale price must be positive and below the regular price", store.ErrValidation)
	}
	product.Active = true

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d", created.Name, created.PriceCents))
	return *created, nil
}

func (s *Service) CreateVariant(ctx context.Context, variant domain.ProductVariant) (domain.ProductVariant, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.ProductVariant{}, err
	}

	variant.SKU = strings.ToUpper(strings.TrimSpace(variant.SKU))
	if variant.SKU == "" || variant.ProductID == "" || variant.Quantity < 0 {
		return domain.ProductVariant{}, fmt.Errorf("%w: variant needs a sku, a product and a non-negative quantity", store.ErrValidation)
	}
	variant.Active = true

	created, err := s.repo.CreateVariant(ctx, variant)
	if err != nil {
		return domain.ProductVariant{}, err
	}

	s.logAudit(ctx, "variant_create", "variant", created.ID, fmt.Sprintf("sku=%s,qty=%d", created.SKU, created.Quantity))
	return *created, nil
}

// --- cart ---

func (s *Service) GetCart(ctx context.Context) (domain.CartSnapshot, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	snap, err := s.repo.GetCartSnapshot(ctx, actor.UserID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return *snap, nil
}

// AddCartItem resolves the default variant when none is given so every line of
// a variant-carrying product participates in stock reservation.
func (s *Service) AddCartItem(ctx context.Context, req domain.AddCartItemRequest) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	if req.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
	}

	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return err
	}
	if !product.Active {
		return fmt.Errorf("%w: product %s is not available", store.ErrValidation, req.ProductID)
	}

	if req.VariantID == "" {
		variants, err := s.repo.ListVariants(ctx, req.ProductID)
		if err != nil {
			return err
		}
		for _, v := range variants {
			if v.Default && v.Active {
				req.VariantID = v.ID
				break
			}
		}
	} else {
		variant, err := s.repo.GetVariant(ctx, req.VariantID)
		if err != nil {
			return err
		}
		if variant.ProductID != req.ProductID || !variant.Active {
			return fmt.Errorf("%w: variant %s does not belong to product %s", store.ErrValidation, req.VariantID, req.ProductID)
		}
	}

	return s.repo.UpsertCartItem(ctx, actor.UserID, domain.CartItem{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
}

func (s *Service) RemoveCartItem(ctx context.Context, productID string, variantID string) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	return s.repo.RemoveCartItem(ctx, actor.UserID, productID, variantID)
}

func (s *Service) ClearCart(ctx context.Context) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	return s.repo.ClearCart(ctx, actor.UserID)
}

// --- order evaluation ---

// Evaluate prices the caller's cart against an address without touching any
// state: no reservation, no redemption, no order row. The same computation
// backs PlaceOrder.
func (s *Service) Evaluate(ctx context.Context, req domain.EvaluateRequest) (domain.OrderQuote, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.OrderQuote{}, err
	}
	quote, _, err := s.evaluate(ctx, actor.UserID, req)
	return quote, err
}

func (s *Service) evaluate(ctx context.Context, userID string, req domain.EvaluateRequest) (domain.OrderQuote, *domain.CartSnapshot, error) {
	snap, err := s.repo.GetCartSnapshot(ctx, userID)
	if err != nil {
		return domain.OrderQuote{}, nil, err
	}
	if snap.Empty() {
		return domain.OrderQuote{}, nil, fmt.Errorf("%w: cart is empty", store.ErrValidation)
	}

	address, err := s.repo.GetUserAddress(ctx, req.AddressID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OrderQuote{}, nil, fmt.Errorf("%w: address not found", store.ErrNotFound)
		}
		return domain.OrderQuote{}, nil, err
	}

	shipping, err := s.repo.GetShippingCost(ctx, address.Area)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OrderQuote{}, nil, fmt.Errorf("%w: shipping is not available for area %s", store.ErrValidation, address.Area)
		}
		return domain.OrderQuote{}, nil, err
	}

	subtotal := snap.SubtotalCents()

	discount, applied, err := s.resolvePromotion(ctx, snap, req)
	if err != nil {
		return domain.OrderQuote{}, nil, err
	}
	if discount > subtotal {
		discount = subtotal
	}

	freeShipping := applied != nil && applied.Type == domain.PromotionFreeShipping
	if !freeShipping {
		direct, err := s.directFreeShipping(ctx, subtotal)
		if err != nil {
			return domain.OrderQuote{}, nil, err
		}
		freeShipping = direct != nil
	}

	finalShipping := shipping.CostCents
	if freeShipping {
		finalShipping = 0
	}

	quote := domain.OrderQuote{
		Address:            *address,
		SubtotalCents:      subtotal,
		ShippingCents:      shipping.CostCents,
		FinalShippingCents: finalShipping,
		DiscountCents:      discount,
		TotalCents:         subtotal - discount + finalShipping,
		FreeShipping:       freeShipping,
		AppliedPromotion:   applied,
	}
	return quote, snap, nil
}

// resolvePromotion applies the precedence: coupon code, then an explicitly
// chosen promotion, then the best automatic one. Each stage falls through to
// the next when it yields nothing.
func (s *Service) resolvePromotion(ctx context.Context, snap *domain.CartSnapshot, req domain.EvaluateRequest) (int64, *domain.Promotion, error) {
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		discount, applied, err := s.evaluator.ValidateCode(ctx, snap, code)
		if err != nil {
			return 0, nil, err
		}
		if applied != nil {
			return discount, applied, nil
		}
	}

	if req.PromotionID != "" {
		promo, err := s.repo.GetPromotion(ctx, req.PromotionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, nil, err
		}
		if promo != nil && promo.Active && promo.WithinWindow(s.now()) && promo.HasUsageHeadroom() {
			if promo.Type == domain.PromotionFreeShipping {
				if s.evaluator.Eligible(promo, snap) {
					return 0, promo, nil
				}
			} else if discount := s.evaluator.CalculateDiscount(promo, snap); discount > 0 {
				return discount, promo, nil
			}
		}
	}

	return s.evaluator.BestAutomatic(ctx, snap)
}

// directFreeShipping checks the storewide thresholds; the highest qualifying
// one wins, which only matters for attribution since the effect is identical.
func (s *Service) directFreeShipping(ctx context.Context, subtotal int64) (*domain.DirectFreeShipping, error) {
	promos, err := s.repo.ListDirectFreeShipping(ctx)
	if err != nil {
		return nil, err
	}
	var best *domain.DirectFreeShipping
	for i := range promos {
		promo := &promos[i]
		if !promo.Active || subtotal < promo.MinOrderCents {
			continue
		}
		if best == nil || promo.MinOrderCents > best.MinOrderCents {
			best = promo
		}
	}
	return best, nil
}

// --- order placement ---

func (s *Service) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	if !req.PaymentMethod.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}

	quote, snap, err := s.evaluate(ctx, actor.UserID, domain.EvaluateRequest{
		AddressID:   req.AddressID,
		CouponCode:  req.CouponCode,
		PromotionID: req.PromotionID,
	})
	if err != nil {
		return domain.Order{}, err
	}

	locale := s.settings.DefaultLocale(ctx)
	items := make([]domain.OrderItem, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		items = append(items, domain.OrderItem{
			ProductID:      line.Item.ProductID,
			ProductName:    line.Product.DisplayName(locale),
			VariantID:      line.Item.VariantID,
			Quantity:       line.Item.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  line.UnitPriceCents * int64(line.Item.Quantity),
		})
	}

	order := domain.Order{
		UserID:        actor.UserID,
		Status:        domain.OrderProcessing,
		PaymentStatus: domain.PaymentPending,
		PaymentMethod: req.PaymentMethod,
		SubtotalCents: quote.SubtotalCents,
		ShippingCents: quote.FinalShippingCents,
		DiscountCents: quote.DiscountCents,
		TotalCents:    quote.TotalCents,
		AddressID:     req.AddressID,
		CreatedAt:     s.now(),
		Items:         items,
	}

	var usage *domain.PromotionUsage
	if quote.AppliedPromotion != nil {
		order.PromotionID = quote.AppliedPromotion.ID
		if !quote.AppliedPromotion.Automatic() {
			order.CouponCode = quote.AppliedPromotion.Code
		}

		redeemed := quote.DiscountCents
		if quote.AppliedPromotion.Type == domain.PromotionFreeShipping {
			redeemed = quote.ShippingCents - quote.FinalShippingCents
		}
		usage = &domain.PromotionUsage{
			PromotionID:   quote.AppliedPromotion.ID,
			UserID:        actor.UserID,
			DiscountCents: redeemed,
			UsedAt:        order.CreatedAt,
		}
	}

	created, err := s.repo.CreateOrder(ctx, order, usage)
	if err != nil {
		return domain.Order{}, err
	}

	if usage != nil {
		s.evaluator.Invalidate(ctx)
	}
	s.logAudit(ctx, "order_place", "order", created.ID, fmt.Sprintf("total=%d,items=%d", created.TotalCents, len(created.Items)))
	s.publish(ctx, notify.Event{
		Type:       notify.EventOrderPlaced,
		OrderID:    created.ID,
		UserID:     created.UserID,
		Status:     string(created.Status),
		AmountCent: created.TotalCents,
		OccurredAt: created.CreatedAt,
	})

	return *created, nil
}

// --- lifecycle ---

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var order *domain.Order
	if actor.Role == "admin" {
		order, err = s.repo.GetOrder(ctx, orderID)
	} else {
		order, err = s.repo.GetUserOrder(ctx, orderID, actor.UserID)
	}
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role == "admin" {
		return s.repo.ListOrders(ctx, "", limit)
	}
	return s.repo.ListOrders(ctx, actor.UserID, limit)
}

func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.CancelOrderRequest) (domain.Order, error) {
	existing, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	cancelled, err := s.repo.CancelOrder(ctx, existing.ID, strings.TrimSpace(req.Reason), s.now())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_cancel", "order", cancelled.ID, fmt.Sprintf("reason=%s", req.Reason))
	s.publish(ctx, notify.Event{
		Type:       notify.EventOrderCancelled,
		OrderID:    cancelled.ID,
		UserID:     cancelled.UserID,
		Status:     string(cancelled.Status),
		Reason:     cancelled.CancellationReason,
		OccurredAt: s.now(),
	})
	return *cancelled, nil
}

func (s *Service) MarkOrderShipped(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.MarkOrderShipped(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_ship", "order", order.ID, "")
	s.publish(ctx, notify.Event{
		Type:       notify.EventOrderShipped,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		OccurredAt: s.now(),
	})
	return *order, nil
}

func (s *Service) MarkOrderDelivered(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.MarkOrderDelivered(ctx, orderID, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_deliver", "order", order.ID, "")
	s.publish(ctx, notify.Event{
		Type:       notify.EventOrderDelivered,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		OccurredAt: s.now(),
	})
	return *order, nil
}

func (s *Service) MarkOrderPaid(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.MarkOrderPaid(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_paid", "order", order.ID, "")
	return *order, nil
}

// RefundOrder refunds a cancelled, paid, non-COD order. The order is moved to
// refund_pending before the gateway is asked, so a concurrent attempt fails
// the claim instead of reaching the provider twice. A declined refund puts the
// order back to paid.
func (s *Service) RefundOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.PaymentStatus == domain.PaymentRefunded {
		return domain.Order{}, fmt.Errorf("%w: order is already refunded", store.ErrValidation)
	}
	if order.Status != domain.OrderCancelled {
		return domain.Order{}, fmt.Errorf("%w: refund requires a cancelled order, got %s", store.ErrValidation, order.Status)
	}
	if order.PaymentStatus != domain.PaymentPaid {
		return domain.Order{}, fmt.Errorf("%w: refund requires a paid order, got %s", store.ErrValidation, order.PaymentStatus)
	}
	if order.PaymentMethod == domain.PaymentCOD {
		return domain.Order{}, fmt.Errorf("%w: cash-on-delivery orders have nothing to refund", store.ErrValidation)
	}

	if _, err := s.repo.BeginRefund(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}

	result, err := s.gateway.Refund(ctx, payment.RefundRequest{
		OrderID:     order.ID,
		AmountCents: order.TotalCents,
		Reason:      order.CancellationReason,
	})
	if err != nil {
		s.abortRefund(ctx, order.ID)
		return domain.Order{}, fmt.Errorf("payment gateway: %w", err)
	}
	if !result.Success {
		s.abortRefund(ctx, order.ID)
		return domain.Order{}, fmt.Errorf("%w: refund declined by gateway (%s): %s",
			store.ErrValidation, result.GatewayCode, strings.Join(result.Messages, "; "))
	}

	refunded, err := s.repo.MarkOrderRefunded(ctx, order.ID, result.TransactionID, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_refund", "order", refunded.ID, fmt.Sprintf("tx=%s,amount=%d", result.TransactionID, order.TotalCents))
	s.publish(ctx, notify.Event{
		Type:       notify.EventOrderRefunded,
		OrderID:    refunded.ID,
		UserID:     refunded.UserID,
		AmountCent: refunded.TotalCents,
		OccurredAt: s.now(),
	})
	return *refunded, nil
}

// abortRefund releases the refund claim after the gateway said no. On failure
// the order stays refund_pending where an operator can see it.
func (s *Service) abortRefund(ctx context.Context, orderID string) {
	if _, err := s.repo.AbortRefund(ctx, orderID); err != nil {
		log.Printf("[service] WARN: failed to release refund claim on order %s: %v", orderID, err)
	}
}

// --- returns ---

// RequestReturn opens a return for a delivered order. The window is counted in
// whole days from the delivery timestamp and the boundary day is inclusive.
func (s *Service) RequestReturn(ctx context.Context, orderID string, req domain.ReturnRequest) (domain.Order, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: a return reason is required", store.ErrValidation)
	}

	order, err := s.repo.GetUserOrder(ctx, orderID, actor.UserID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderDelivered || order.DeliveredAt == nil {
		return domain.Order{}, fmt.Errorf("%w: returns require a delivered order", store.ErrValidation)
	}

	windowDays := s.settings.ReturnWindowDays(ctx)
	deadline := order.DeliveredAt.AddDate(0, 0, windowDays)
	now := s.now()
	if now.After(deadline) {
		return domain.Order{}, fmt.Errorf("%w: the %d-day return window has closed", store.ErrValidation, windowDays)
	}

	updated, err := s.repo.RequestReturn(ctx, order.ID, reason, now)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "return_request", "order", updated.ID, fmt.Sprintf("reason=%s", reason))
	s.publish(ctx, notify.Event{
		Type:       notify.EventReturnRequested,
		OrderID:    updated.ID,
		UserID:     updated.UserID,
		Status:     string(updated.ReturnStatus),
		Reason:     reason,
		OccurredAt: now,
	})
	return *updated, nil
}

func (s *Service) ApproveReturn(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.ApproveReturn(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "return_approve", "order", order.ID, "")
	return *order, nil
}

func (s *Service) RejectReturn(ctx context.Context, orderID string, req domain.RejectReturnRequest) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.RejectReturn(ctx, orderID, strings.TrimSpace(req.Reason))
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "return_reject", "order", order.ID, fmt.Sprintf("reason=%s", req.Reason))
	s.publish(ctx, notify.Event{
		Type:       notify.EventReturnResolved,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.ReturnStatus),
		OccurredAt: s.now(),
	})
	return *order, nil
}

// CompleteReturn settles an approved return. Cash-on-delivery orders close as
// item_returned with no gateway call; anything else goes through the gateway
// first and closes as refund_processed only after approval. The store restores
// the returned stock in the same transaction as the settlement.
func (s *Service) CompleteReturn(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.ReturnStatus != domain.ReturnApproved {
		return domain.Order{}, fmt.Errorf("%w: cannot complete return in state %q", store.ErrValidation, order.ReturnStatus)
	}

	final := domain.ItemReturned
	gatewayTxID := ""
	if order.PaymentMethod != domain.PaymentCOD {
		result, err := s.gateway.Refund(ctx, payment.RefundRequest{
			OrderID:     order.ID,
			AmountCents: order.TotalCents,
			Reason:      order.ReturnReason,
		})
		if err != nil {
			return domain.Order{}, fmt.Errorf("payment gateway: %w", err)
		}
		if !result.Success {
			return domain.Order{}, fmt.Errorf("%w: refund declined by gateway (%s): %s",
				store.ErrValidation, result.GatewayCode, strings.Join(result.Messages, "; "))
		}
		final = domain.RefundProcessed
		gatewayTxID = result.TransactionID
	}

	updated, err := s.repo.CompleteReturn(ctx, order.ID, final, gatewayTxID, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "return_complete", "order", updated.ID, fmt.Sprintf("final=%s,tx=%s", final, gatewayTxID))
	s.publish(ctx, notify.Event{
		Type:       notify.EventReturnResolved,
		OrderID:    updated.ID,
		UserID:     updated.UserID,
		Status:     string(updated.ReturnStatus),
		OccurredAt: s.now(),
	})
	return *updated, nil
}

// --- addresses and shipping ---

func (s *Service) CreateAddress(ctx context.Context, address domain.Address) (domain.Address, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Address{}, err
	}

	address.UserID = actor.UserID
	address.Area = strings.TrimSpace(address.Area)
	if address.Line1 == "" || address.City == "" || address.Area == "" {
		return domain.Address{}, fmt.Errorf("%w: an address needs a line, a city and an area", store.ErrValidation)
	}

	created, err := s.repo.CreateAddress(ctx, address)
	if err != nil {
		return domain.Address{}, err
	}
	return *created, nil
}

func (s *Service) ListAddresses(ctx context.Context) ([]domain.Address, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAddresses(ctx, actor.UserID)
}

func (s *Service) UpsertShippingCost(ctx context.Context, cost domain.ShippingCost) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}

	cost.Area = strings.TrimSpace(cost.Area)
	if cost.Area == "" || cost.CostCents < 0 {
		return fmt.Errorf("%w: shipping cost needs an area and a non-negative amount", store.ErrValidation)
	}

	if err := s.repo.UpsertShippingCost(ctx, cost); err != nil {
		return err
	}
	s.logAudit(ctx, "shipping_upsert", "shipping", cost.Area, fmt.Sprintf("cost=%d", cost.CostCents))
	return nil
}

// --- promotion administration ---

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListActivePromotions(ctx)
}

func (s *Service) EligiblePromotions(ctx context.Context) ([]promotion.Eligible, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := s.repo.GetCartSnapshot(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return s.evaluator.EligiblePromotions(ctx, snap)
}

func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionCreateRequest) (domain.Promotion, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Promotion{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if req.Name == "" || !req.Type.Valid() {
		return domain.Promotion{}, fmt.Errorf("%w: promotion needs a name and a known type", store.ErrValidation)
	}

	switch req.Type {
	case domain.PromotionPercentage:
		if req.ValuePercent <= 0 || req.ValuePercent > 100 {
			return domain.Promotion{}, fmt.Errorf("%w: percentage must be in (0,100]", store.ErrValidation)
		}
	case domain.PromotionFixed:
		if req.ValueCents <= 0 {
			return domain.Promotion{}, fmt.Errorf("%w: fixed amount must be positive", store.ErrValidation)
		}
	case domain.PromotionBuyXGetY:
		if len(req.Rewards) == 0 {
			return domain.Promotion{}, fmt.Errorf("%w: buy_x_get_y needs at least one reward", store.ErrValidation)
		}
		for _, reward := range req.Rewards {
			if !reward.Type.Valid() || reward.EntityID == "" {
				return domain.Promotion{}, fmt.Errorf("%w: each reward needs a known type and a target", store.ErrValidation)
			}
			if reward.DiscountPercent < 0 || reward.DiscountPercent > 100 {
				return domain.Promotion{}, fmt.Errorf("%w: reward discount must be in [0,100]", store.ErrValidation)
			}
		}
	}
	for _, cond := range req.Conditions {
		if !cond.Type.Valid() {
			return domain.Promotion{}, fmt.Errorf("%w: unknown condition type %q", store.ErrValidation, cond.Type)
		}
		if cond.Type != domain.ConditionCustomer && cond.EntityID == "" {
			return domain.Promotion{}, fmt.Errorf("%w: %s conditions need a target", store.ErrValidation, cond.Type)
		}
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.StartsAt) {
		return domain.Promotion{}, fmt.Errorf("%w: the validity window is empty", store.ErrValidation)
	}

	created, err := s.repo.CreatePromotion(ctx, domain.Promotion{
		Name:               req.Name,
		Type:               req.Type,
		ValuePercent:       req.ValuePercent,
		ValueCents:         req.ValueCents,
		Code:               req.Code,
		MinOrderValueCents: req.MinOrderValueCents,
		UsageLimit:         req.UsageLimit,
		StartsAt:           req.StartsAt,
		ExpiresAt:          req.ExpiresAt,
		Active:             true,
		Conditions:         req.Conditions,
		Rewards:            req.Rewards,
		CreatedAt:          s.now(),
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	s.evaluator.Invalidate(ctx)
	s.logAudit(ctx, "promotion_create", "promotion", created.ID, fmt.Sprintf("type=%s,code=%s", created.Type, created.Code))
	return *created, nil
}

func (s *Service) SetPromotionActive(ctx context.Context, promotionID string, active bool) (domain.Promotion, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Promotion{}, err
	}

	updated, err := s.repo.SetPromotionActive(ctx, promotionID, active)
	if err != nil {
		return domain.Promotion{}, err
	}

	s.evaluator.Invalidate(ctx)
	s.logAudit(ctx, "promotion_set_active", "promotion", promotionID, fmt.Sprintf("active=%t", active))
	return *updated, nil
}

func (s *Service) ListPromotionUsages(ctx context.Context, promotionID string) ([]domain.PromotionUsage, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListPromotionUsages(ctx, promotionID)
}

func (s *Service) CreateDirectFreeShipping(ctx context.Context, promo domain.DirectFreeShipping) (domain.DirectFreeShipping, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.DirectFreeShipping{}, err
	}
	if promo.MinOrderCents <= 0 {
		return domain.DirectFreeShipping{}, fmt.Errorf("%w: the threshold must be positive", store.ErrValidation)
	}
	promo.Active = true

	created, err := s.repo.CreateDirectFreeShipping(ctx, promo)
	if err != nil {
		return domain.DirectFreeShipping{}, err
	}

	s.logAudit(ctx, "free_shipping_create", "promotion", created.ID, fmt.Sprintf("min_order=%d", created.MinOrderCents))
	return *created, nil
}

// --- settings and audit ---

func (s *Service) GetSettings(ctx context.Context, group string) ([]domain.Setting, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSettingsByGroup(ctx, group)
}

func (s *Service) UpdateSetting(ctx context.Context, group string, key string, value string) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: a setting key is required", store.ErrValidation)
	}

	if err := s.settings.Set(ctx, group, key, value); err != nil {
		return err
	}
	s.logAudit(ctx, "setting_update", "setting", key, fmt.Sprintf("value=%s", value))
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	var from, to time.Time
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = day
		to = day.Add(24*time.Hour - time.Nanosecond)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to record audit log action=%s: %v", action, err)
	}
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		log.Printf("[service] WARN: failed to publish %s for order %s: %v", event.Type, event.OrderID, err)
	}
}

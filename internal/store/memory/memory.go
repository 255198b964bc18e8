// Package memory implements the storefront repository on in-process maps. It
// backs development mode and the test suite; the semantics mirror the postgres
// implementation, including atomic order placement and stock reservation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
	"storefront/backend/internal/xid"
)

type Store struct {
	mu sync.Mutex

	users     map[string]domain.User // keyed by username
	products  map[string]domain.Product
	variants  map[string]domain.ProductVariant
	carts     map[string]*domain.Cart // keyed by user id
	addresses map[string]domain.Address
	shipping  map[string]domain.ShippingCost // keyed by lowercase area

	promotions   map[string]domain.Promotion
	usages       []domain.PromotionUsage
	freeShipping map[string]domain.DirectFreeShipping

	orders   map[string]domain.Order
	settings map[string]domain.Setting
	audit    []domain.AuditLog
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		users:        make(map[string]domain.User),
		products:     make(map[string]domain.Product),
		variants:     make(map[string]domain.ProductVariant),
		carts:        make(map[string]*domain.Cart),
		addresses:    make(map[string]domain.Address),
		shipping:     make(map[string]domain.ShippingCost),
		promotions:   make(map[string]domain.Promotion),
		freeShipping: make(map[string]domain.DirectFreeShipping),
		orders:       make(map[string]domain.Order),
		settings:     make(map[string]domain.Setting),
	}
}

// NewSeeded returns a store preloaded with development fixtures: an admin and
// a customer account, a small catalog, shipping areas, and a few promotions.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seedUser := func(username, password, role string) {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory: seed user %s: %v", username, err))
		}
		s.users[username] = domain.User{
			ID:        xid.New("usr"),
			Username:  username,
			Password:  string(hash),
			Role:      role,
			Active:    true,
			CreatedAt: now,
		}
	}
	seedUser("admin", "admin123", "admin")
	seedUser("amina", "amina123", "customer")

	salePrice := func(v int64) *int64 { return &v }

	s.products["prod-mouse"] = domain.Product{
		ID:         "prod-mouse",
		Name:       "Wireless Mouse",
		NameAr:     "فأرة لاسلكية",
		CategoryID: "cat-accessories",
		BrandID:    "brand-lumen",
		PriceCents: 15000,
		Active:     true,
	}
	s.products["prod-keyboard"] = domain.Product{
		ID:             "prod-keyboard",
		Name:           "Mechanical Keyboard",
		NameAr:         "لوحة مفاتيح ميكانيكية",
		CategoryID:     "cat-accessories",
		BrandID:        "brand-lumen",
		PriceCents:     42000,
		SalePriceCents: salePrice(36000),
		Active:         true,
	}
	s.products["prod-monitor"] = domain.Product{
		ID:         "prod-monitor",
		Name:       "27in Monitor",
		CategoryID: "cat-displays",
		BrandID:    "brand-vista",
		PriceCents: 120000,
		Active:     true,
	}

	s.variants["var-mouse-black"] = domain.ProductVariant{
		ID: "var-mouse-black", ProductID: "prod-mouse", SKU: "MOUSE-BLK",
		Quantity: 10, Active: true, Default: true,
	}
	s.variants["var-keyboard-ansi"] = domain.ProductVariant{
		ID: "var-keyboard-ansi", ProductID: "prod-keyboard", SKU: "KB-ANSI",
		Quantity: 20, Active: true, Default: true,
	}
	s.variants["var-monitor-std"] = domain.ProductVariant{
		ID: "var-monitor-std", ProductID: "prod-monitor", SKU: "MON-27",
		Quantity: 5, Active: true, Default: true,
	}

	s.shipping["cairo"] = domain.ShippingCost{Area: "Cairo", CostCents: 2000}
	s.shipping["giza"] = domain.ShippingCost{Area: "Giza", CostCents: 2500}
	s.shipping["alexandria"] = domain.ShippingCost{Area: "Alexandria", CostCents: 3500}

	s.promotions["promo-save20"] = domain.Promotion{
		ID: "promo-save20", Name: "Save 20%", Type: domain.PromotionPercentage,
		ValuePercent: 20, Code: "SAVE20", Active: true, CreatedAt: now,
	}
	s.promotions["promo-autumn"] = domain.Promotion{
		ID: "promo-autumn", Name: "Autumn Accessories", Type: domain.PromotionPercentage,
		ValuePercent: 10, MinOrderValueCents: 20000, Active: true, CreatedAt: now,
		Conditions: []domain.PromotionCondition{{Type: domain.ConditionCategory, EntityID: "cat-accessories"}},
	}
	s.freeShipping["dfs-base"] = domain.DirectFreeShipping{
		ID: "dfs-base", Name: "Free shipping over 1000", MinOrderCents: 100000, Active: true,
	}

	s.settings["orders.return_window_days"] = domain.Setting{
		Key: "orders.return_window_days", Value: "14", Group: "orders", UpdatedAt: now,
	}

	return s
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("%w: username already taken", store.ErrValidation)
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := user
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// --- catalog ---

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	s.products[product.ID] = product
	out := product
	return &out, nil
}

func (s *Store) ListVariants(_ context.Context, productID string) ([]domain.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ProductVariant
	for _, v := range s.variants {
		if v.ProductID == productID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) GetVariant(_ context.Context, variantID string) (*domain.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.variants[variantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := v
	return &out, nil
}

func (s *Store) CreateVariant(_ context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[variant.ProductID]; !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, variant.ProductID)
	}
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	s.variants[variant.ID] = variant
	out := variant
	return &out, nil
}

// --- inventory ledger ---

func (s *Store) ReserveStock(_ context.Context, variantID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(variantID, qty)
}

func (s *Store) reserveLocked(variantID string, qty int) error {
	if qty == 0 {
		return nil
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}
	v, ok := s.variants[variantID]
	if !ok {
		return store.ErrNotFound
	}
	if !v.Active {
		return fmt.Errorf("%w: variant %s is inactive", store.ErrValidation, variantID)
	}
	if v.Quantity < qty {
		name := v.SKU
		if p, ok := s.products[v.ProductID]; ok {
			name = p.Name
		}
		return &store.InsufficientStockError{ProductName: name, Requested: qty, Available: v.Quantity}
	}
	v.Quantity -= qty
	s.variants[variantID] = v
	return nil
}

func (s *Store) ReturnStock(_ context.Context, variantID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnLocked(variantID, qty)
}

func (s *Store) returnLocked(variantID string, qty int) error {
	if qty == 0 {
		return nil
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}
	v, ok := s.variants[variantID]
	if !ok {
		return store.ErrNotFound
	}
	v.Quantity += qty
	s.variants[variantID] = v
	return nil
}

// --- cart ---

func (s *Store) GetCart(_ context.Context, userID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[userID]
	if !ok {
		return &domain.Cart{UserID: userID}, nil
	}
	out := *cart
	out.Items = append([]domain.CartItem(nil), cart.Items...)
	return &out, nil
}

func (s *Store) UpsertCartItem(_ context.Context, userID string, item domain.CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[userID]
	if !ok {
		cart = &domain.Cart{UserID: userID}
		s.carts[userID] = cart
	}
	for i := range cart.Items {
		if cart.Items[i].ProductID == item.ProductID && cart.Items[i].VariantID == item.VariantID {
			cart.Items[i].Quantity = item.Quantity
			cart.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	cart.Items = append(cart.Items, item)
	cart.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RemoveCartItem(_ context.Context, userID string, productID string, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[userID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID && cart.Items[i].VariantID == variantID {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
			cart.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ClearCart(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, userID)
	return nil
}

func (s *Store) GetCartSnapshot(_ context.Context, userID string) (*domain.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(userID)
}

func (s *Store) snapshotLocked(userID string) (*domain.CartSnapshot, error) {
	snap := &domain.CartSnapshot{UserID: userID}
	cart, ok := s.carts[userID]
	if !ok {
		return snap, nil
	}

	for _, item := range cart.Items {
		product, ok := s.products[item.ProductID]
		if !ok || !product.Active {
			continue
		}
		line := domain.CartLine{Item: item, Product: product}
		if item.VariantID != "" {
			variant, ok := s.variants[item.VariantID]
			if !ok || !variant.Active {
				continue
			}
			v := variant
			line.Variant = &v
		}
		line.UnitPriceCents = domain.ResolveUnitPrice(product, line.Variant)
		snap.Lines = append(snap.Lines, line)
	}
	return snap, nil
}

// --- addresses and shipping ---

func (s *Store) CreateAddress(_ context.Context, address domain.Address) (*domain.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if address.ID == "" {
		address.ID = xid.New("addr")
	}
	s.addresses[address.ID] = address
	out := address
	return &out, nil
}

func (s *Store) GetUserAddress(_ context.Context, addressID string, userID string) (*domain.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address, ok := s.addresses[addressID]
	if !ok || address.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := address
	return &out, nil
}

func (s *Store) ListAddresses(_ context.Context, userID string) ([]domain.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Address
	for _, address := range s.addresses {
		if address.UserID == userID {
			out = append(out, address)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetShippingCost(_ context.Context, area string) (*domain.ShippingCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost, ok := s.shipping[strings.ToLower(strings.TrimSpace(area))]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cost
	return &out, nil
}

func (s *Store) UpsertShippingCost(_ context.Context, cost domain.ShippingCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shipping[strings.ToLower(strings.TrimSpace(cost.Area))] = cost
	return nil
}

// --- promotions ---

func (s *Store) ListActivePromotions(_ context.Context) ([]domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Promotion
	for _, p := range s.promotions {
		if p.Active {
			out = append(out, clonePromotion(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPromotion(_ context.Context, promotionID string) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promotions[promotionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePromotion(p)
	return &out, nil
}

func (s *Store) GetPromotionByCode(_ context.Context, code string) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.promotions {
		if p.Code != "" && strings.EqualFold(p.Code, code) {
			out := clonePromotion(p)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreatePromotion(_ context.Context, promotion domain.Promotion) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if promotion.Code != "" {
		for _, existing := range s.promotions {
			if strings.EqualFold(existing.Code, promotion.Code) {
				return nil, fmt.Errorf("%w: code %s already in use", store.ErrValidation, promotion.Code)
			}
		}
	}
	if promotion.ID == "" {
		promotion.ID = xid.New("promo")
	}
	if promotion.CreatedAt.IsZero() {
		promotion.CreatedAt = time.Now().UTC()
	}
	s.promotions[promotion.ID] = clonePromotion(promotion)
	out := clonePromotion(promotion)
	return &out, nil
}

func (s *Store) SetPromotionActive(_ context.Context, promotionID string, active bool) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promotions[promotionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Active = active
	s.promotions[promotionID] = p
	out := clonePromotion(p)
	return &out, nil
}

func (s *Store) ListPromotionUsages(_ context.Context, promotionID string) ([]domain.PromotionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PromotionUsage
	for _, usage := range s.usages {
		if usage.PromotionID == promotionID {
			out = append(out, usage)
		}
	}
	return out, nil
}

func (s *Store) ListDirectFreeShipping(_ context.Context) ([]domain.DirectFreeShipping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DirectFreeShipping
	for _, promo := range s.freeShipping {
		if promo.Active {
			out = append(out, promo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateDirectFreeShipping(_ context.Context, promo domain.DirectFreeShipping) (*domain.DirectFreeShipping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if promo.ID == "" {
		promo.ID = xid.New("dfs")
	}
	s.freeShipping[promo.ID] = promo
	out := promo
	return &out, nil
}

func clonePromotion(p domain.Promotion) domain.Promotion {
	out := p
	out.Conditions = append([]domain.PromotionCondition(nil), p.Conditions...)
	out.Rewards = append([]domain.PromotionReward(nil), p.Rewards...)
	return out
}

// --- orders ---

// CreateOrder applies the whole placement atomically: stock is reserved for
// every line, the order and its items are written, the cart is cleared, and
// the promotion redemption is recorded. Any failure leaves the store
// untouched.
func (s *Store) CreateOrder(_ context.Context, order domain.Order, usage *domain.PromotionUsage) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrValidation)
	}

	// Validate everything before mutating anything.
	for _, item := range order.Items {
		if item.VariantID == "" {
			continue
		}
		v, ok := s.variants[item.VariantID]
		if !ok {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, item.VariantID)
		}
		if !v.Active {
			return nil, fmt.Errorf("%w: variant %s is inactive", store.ErrValidation, item.VariantID)
		}
		if v.Quantity < item.Quantity {
			return nil, &store.InsufficientStockError{
				ProductName: item.ProductName,
				Requested:   item.Quantity,
				Available:   v.Quantity,
			}
		}
	}

	if usage != nil {
		p, ok := s.promotions[usage.PromotionID]
		if !ok {
			return nil, fmt.Errorf("%w: promotion %s", store.ErrNotFound, usage.PromotionID)
		}
		if !p.HasUsageHeadroom() {
			return nil, fmt.Errorf("%w: promotion usage limit reached", store.ErrValidation)
		}
	}

	for _, item := range order.Items {
		if item.VariantID == "" {
			continue
		}
		v := s.variants[item.VariantID]
		v.Quantity -= item.Quantity
		s.variants[item.VariantID] = v
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	s.orders[order.ID] = order

	delete(s.carts, order.UserID)

	if usage != nil {
		record := *usage
		if record.ID == "" {
			record.ID = xid.New("usage")
		}
		record.OrderID = order.ID
		if record.UsedAt.IsZero() {
			record.UsedAt = order.CreatedAt
		}
		s.usages = append(s.usages, record)

		p := s.promotions[usage.PromotionID]
		p.UsageCount++
		s.promotions[usage.PromotionID] = p
	}

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) GetUserOrder(_ context.Context, orderID string, userID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) ListOrders(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, order := range s.orders {
		if userID == "" || order.UserID == userID {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	return out
}

// --- lifecycle ---

// CancelOrder restores the reserved stock in the same critical section as the
// status change.
func (s *Store) CancelOrder(_ context.Context, orderID string, reason string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !order.Status.CanCancel() {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", store.ErrValidation, order.Status)
	}

	for _, item := range order.Items {
		if item.VariantID == "" {
			continue
		}
		v, ok := s.variants[item.VariantID]
		if !ok {
			continue
		}
		v.Quantity += item.Quantity
		s.variants[item.VariantID] = v
	}

	order.Status = domain.OrderCancelled
	order.CancellationReason = reason
	cancelledAt := at
	order.CancelledAt = &cancelledAt
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) MarkOrderShipped(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !order.Status.CanShip() {
		return nil, fmt.Errorf("%w: cannot ship order in status %s", store.ErrValidation, order.Status)
	}
	order.Status = domain.OrderShipped
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) MarkOrderDelivered(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !order.Status.CanDeliver() {
		return nil, fmt.Errorf("%w: cannot deliver order in status %s", store.ErrValidation, order.Status)
	}
	order.Status = domain.OrderDelivered
	deliveredAt := at
	order.DeliveredAt = &deliveredAt
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) MarkOrderPaid(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.PaymentStatus != domain.PaymentPending {
		return nil, fmt.Errorf("%w: payment is already %s", store.ErrValidation, order.PaymentStatus)
	}
	order.PaymentStatus = domain.PaymentPaid
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) BeginRefund(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderCancelled {
		return nil, fmt.Errorf("%w: refund requires a cancelled order, got %s", store.ErrValidation, order.Status)
	}
	if order.PaymentStatus != domain.PaymentPaid {
		return nil, fmt.Errorf("%w: refund requires a paid order, got %s", store.ErrValidation, order.PaymentStatus)
	}
	order.PaymentStatus = domain.PaymentRefundPending
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) AbortRefund(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.PaymentStatus != domain.PaymentRefundPending {
		return nil, fmt.Errorf("%w: no refund in progress, payment is %s", store.ErrValidation, order.PaymentStatus)
	}
	order.PaymentStatus = domain.PaymentPaid
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) MarkOrderRefunded(_ context.Context, orderID string, gatewayTxID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.PaymentStatus != domain.PaymentRefundPending {
		return nil, fmt.Errorf("%w: no refund in progress, payment is %s", store.ErrValidation, order.PaymentStatus)
	}
	order.PaymentStatus = domain.PaymentRefunded
	order.RefundTransactionID = gatewayTxID
	refundedAt := at
	order.RefundedAt = &refundedAt
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) RequestReturn(_ context.Context, orderID string, reason string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderDelivered {
		return nil, fmt.Errorf("%w: returns require a delivered order, got %s", store.ErrValidation, order.Status)
	}
	if order.ReturnStatus != domain.ReturnNone {
		return nil, fmt.Errorf("%w: a return was already requested", store.ErrValidation)
	}
	order.ReturnStatus = domain.ReturnRequested
	order.ReturnReason = reason
	requestedAt := at
	order.ReturnRequestedAt = &requestedAt
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) ApproveReturn(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.ReturnStatus != domain.ReturnRequested {
		return nil, fmt.Errorf("%w: cannot approve return in state %q", store.ErrValidation, order.ReturnStatus)
	}
	order.ReturnStatus = domain.ReturnApproved
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) RejectReturn(_ context.Context, orderID string, rejectionReason string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.ReturnStatus != domain.ReturnRequested {
		return nil, fmt.Errorf("%w: cannot reject return in state %q", store.ErrValidation, order.ReturnStatus)
	}
	order.ReturnStatus = domain.ReturnRejected
	if rejectionReason != "" {
		order.ReturnReason = order.ReturnReason + " | Rejection: " + rejectionReason
	}
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

// CompleteReturn restores the returned stock in the same critical section as
// the settlement.
func (s *Store) CompleteReturn(_ context.Context, orderID string, final domain.ReturnStatus, gatewayTxID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if final != domain.ItemReturned && final != domain.RefundProcessed {
		return nil, fmt.Errorf("%w: invalid final return state %q", store.ErrValidation, final)
	}

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.ReturnStatus != domain.ReturnApproved {
		return nil, fmt.Errorf("%w: cannot complete return in state %q", store.ErrValidation, order.ReturnStatus)
	}

	for _, item := range order.Items {
		if item.VariantID == "" {
			continue
		}
		v, ok := s.variants[item.VariantID]
		if !ok {
			continue
		}
		v.Quantity += item.Quantity
		s.variants[item.VariantID] = v
	}

	// Both settlement branches mark the payment refunded; only a gateway
	// settlement carries a transaction id.
	order.ReturnStatus = final
	order.PaymentStatus = domain.PaymentRefunded
	refundedAt := at
	order.RefundedAt = &refundedAt
	if final == domain.RefundProcessed {
		order.RefundTransactionID = gatewayTxID
	}
	s.orders[orderID] = order

	out := cloneOrder(order)
	return &out, nil
}

// --- settings ---

func (s *Store) GetSetting(_ context.Context, key string) (*domain.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	setting, ok := s.settings[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := setting
	return &out, nil
}

func (s *Store) UpsertSetting(_ context.Context, setting domain.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	setting.UpdatedAt = time.Now().UTC()
	s.settings[setting.Key] = setting
	return nil
}

func (s *Store) ListSettingsByGroup(_ context.Context, group string) ([]domain.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Setting
	for _, setting := range s.settings {
		if setting.Group == group {
			out = append(out, setting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// --- audit ---

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditLog
	for _, entry := range s.audit {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

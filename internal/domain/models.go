package domain

import "time"

// All monetary amounts are integer cents.

type PromotionType string

const (
	PromotionPercentage   PromotionType = "percentage"
	PromotionFixed        PromotionType = "fixed"
	PromotionFreeShipping PromotionType = "free_shipping"
	PromotionBuyXGetY     PromotionType = "buy_x_get_y"
)

func (t PromotionType) Valid() bool {
	switch t {
	case PromotionPercentage, PromotionFixed, PromotionFreeShipping, PromotionBuyXGetY:
		return true
	default:
		return false
	}
}

type ConditionType string

const (
	ConditionProduct  ConditionType = "product"
	ConditionCategory ConditionType = "category"
	ConditionBrand    ConditionType = "brand"
	ConditionCustomer ConditionType = "customer"
)

func (t ConditionType) Valid() bool {
	switch t {
	case ConditionProduct, ConditionCategory, ConditionBrand, ConditionCustomer:
		return true
	default:
		return false
	}
}

type RewardType string

const (
	RewardProduct  RewardType = "product"
	RewardCategory RewardType = "category"
	RewardBrand    RewardType = "brand"
)

func (t RewardType) Valid() bool {
	switch t {
	case RewardProduct, RewardCategory, RewardBrand:
		return true
	default:
		return false
	}
}

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// CanCancel reports whether an order in the given status may be cancelled.
func (s OrderStatus) CanCancel() bool {
	return s == OrderProcessing || s == OrderShipped
}

// CanShip reports whether an order in the given status may be marked shipped.
func (s OrderStatus) CanShip() bool {
	return s == OrderProcessing
}

// CanDeliver reports whether an order in the given status may be marked
// delivered. Shipping can be skipped.
func (s OrderStatus) CanDeliver() bool {
	return s == OrderProcessing || s == OrderShipped
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	// PaymentRefundPending marks a refund that has been handed to the payment
	// provider but not yet confirmed. It keeps a second refund attempt from
	// reaching the provider while the first is in flight.
	PaymentRefundPending PaymentStatus = "refund_pending"
	PaymentRefunded      PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentCOD  PaymentMethod = "cod"
	PaymentCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentCard:
		return true
	default:
		return false
	}
}

// ReturnStatus is the independent return sub-status chain. The empty string
// means no return has been requested.
type ReturnStatus string

const (
	ReturnNone      ReturnStatus = ""
	ReturnRequested ReturnStatus = "return_requested"
	ReturnApproved  ReturnStatus = "return_approved"
	ReturnRejected  ReturnStatus = "return_rejected"
	ItemReturned    ReturnStatus = "item_returned"
	RefundProcessed ReturnStatus = "refund_processed"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Address struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Label  string `json:"label"`
	Line1  string `json:"line1"`
	City   string `json:"city"`
	Area   string `json:"area"`
	Phone  string `json:"phone"`
}

// ShippingCost is the configured delivery cost for one area.
type ShippingCost struct {
	Area      string `json:"area"`
	CostCents int64  `json:"cost_cents"`
}

type Product struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	NameAr         string `json:"name_ar,omitempty"`
	CategoryID     string `json:"category_id"`
	BrandID        string `json:"brand_id"`
	PriceCents     int64  `json:"price_cents"`
	SalePriceCents *int64 `json:"sale_price_cents,omitempty"`
	Active         bool   `json:"active"`
}

// DisplayName resolves the product name for an explicit locale rather than
// any ambient request state.
func (p Product) DisplayName(locale string) string {
	if locale == "ar" && p.NameAr != "" {
		return p.NameAr
	}
	return p.Name
}

type ProductVariant struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	PriceCents     *int64 `json:"price_cents,omitempty"`
	SalePriceCents *int64 `json:"sale_price_cents,omitempty"`
	Active         bool   `json:"active"`
	Default        bool   `json:"default"`
}

// ResolveUnitPrice applies the price priority: variant sale price, variant
// price, product sale price, product price. The variant overrides the product
// only when it carries its own price.
func ResolveUnitPrice(p Product, v *ProductVariant) int64 {
	if v != nil {
		if v.SalePriceCents != nil {
			return *v.SalePriceCents
		}
		if v.PriceCents != nil {
			return *v.PriceCents
		}
	}
	if p.SalePriceCents != nil {
		return *p.SalePriceCents
	}
	return p.PriceCents
}

type CartItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CartLine is a cart item joined with its product and variant, with the unit
// price already resolved.
type CartLine struct {
	Item           CartItem        `json:"item"`
	Product        Product         `json:"product"`
	Variant        *ProductVariant `json:"variant,omitempty"`
	UnitPriceCents int64           `json:"unit_price_cents"`
}

// CartSnapshot is the read-time view of a cart that evaluation runs against.
type CartSnapshot struct {
	UserID string     `json:"user_id"`
	Lines  []CartLine `json:"lines"`
}

func (s CartSnapshot) Empty() bool {
	return len(s.Lines) == 0
}

func (s CartSnapshot) SubtotalCents() int64 {
	var subtotal int64
	for _, line := range s.Lines {
		subtotal += line.UnitPriceCents * int64(line.Item.Quantity)
	}
	return subtotal
}

type PromotionCondition struct {
	Type     ConditionType `json:"type"`
	EntityID string        `json:"entity_id,omitempty"`
	Quantity int           `json:"quantity,omitempty"`
}

type PromotionReward struct {
	Type RewardType `json:"type"`
	// EntityID selects the rewarded product/category/brand.
	EntityID string `json:"entity_id"`
	// Quantity caps discounted units across all matched items; 0 means
	// unlimited.
	Quantity int `json:"quantity,omitempty"`
	// DiscountPercent defaults to 100 (free) when unset.
	DiscountPercent float64 `json:"discount_percent,omitempty"`
}

type Promotion struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	Type PromotionType `json:"type"`
	// ValuePercent carries the value for percentage promotions.
	ValuePercent float64 `json:"value_percent,omitempty"`
	// ValueCents carries the value for fixed promotions.
	ValueCents int64 `json:"value_cents,omitempty"`
	// Code is empty for automatic promotions.
	Code               string               `json:"code,omitempty"`
	MinOrderValueCents int64                `json:"min_order_value_cents,omitempty"`
	UsageLimit         int                  `json:"usage_limit,omitempty"`
	UsageCount         int                  `json:"usage_count"`
	StartsAt           *time.Time           `json:"starts_at,omitempty"`
	ExpiresAt          *time.Time           `json:"expires_at,omitempty"`
	Active             bool                 `json:"active"`
	Conditions         []PromotionCondition `json:"conditions,omitempty"`
	Rewards            []PromotionReward    `json:"rewards,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Automatic reports whether the promotion applies without a customer code.
func (p Promotion) Automatic() bool {
	return p.Code == ""
}

// WithinWindow reports whether the validity window contains now.
func (p Promotion) WithinWindow(now time.Time) bool {
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return true
}

// HasUsageHeadroom reports whether the usage limit still permits a redemption.
func (p Promotion) HasUsageHeadroom() bool {
	return p.UsageLimit == 0 || p.UsageCount < p.UsageLimit
}

// PromotionUsage is the immutable record of one redemption.
type PromotionUsage struct {
	ID            string    `json:"id"`
	PromotionID   string    `json:"promotion_id"`
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	DiscountCents int64     `json:"discount_cents"`
	UsedAt        time.Time `json:"used_at"`
}

// DirectFreeShipping is the storewide free-shipping promotion keyed purely on
// a minimum order amount, distinct from the coupon/condition Promotion entity.
type DirectFreeShipping struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MinOrderCents int64  `json:"min_order_cents"`
	Active        bool   `json:"active"`
}

type OrderItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	VariantID      string `json:"variant_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Order struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentMethod PaymentMethod `json:"payment_method"`

	SubtotalCents int64 `json:"subtotal_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	DiscountCents int64 `json:"discount_cents"`
	TotalCents    int64 `json:"total_cents"`

	CouponCode  string `json:"coupon_code,omitempty"`
	PromotionID string `json:"promotion_id,omitempty"`
	AddressID   string `json:"address_id"`

	ReturnStatus       ReturnStatus `json:"return_status,omitempty"`
	ReturnReason       string       `json:"return_reason,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`

	RefundTransactionID string `json:"refund_transaction_id,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	ReturnRequestedAt *time.Time `json:"return_requested_at,omitempty"`

	Items []OrderItem `json:"items"`
}

// OrderQuote is the read-only result of order evaluation, used for checkout
// preview and as the basis for order creation.
type OrderQuote struct {
	Address            Address    `json:"address"`
	SubtotalCents      int64      `json:"subtotal_cents"`
	ShippingCents      int64      `json:"shipping_cents"`
	FinalShippingCents int64      `json:"final_shipping_cents"`
	DiscountCents      int64      `json:"discount_cents"`
	TotalCents         int64      `json:"total_cents"`
	FreeShipping       bool       `json:"free_shipping"`
	AppliedPromotion   *Promotion `json:"applied_promotion,omitempty"`
}

type EvaluateRequest struct {
	AddressID   string `json:"address_id"`
	CouponCode  string `json:"coupon_code,omitempty"`
	PromotionID string `json:"promotion_id,omitempty"`
}

type PlaceOrderRequest struct {
	AddressID     string        `json:"address_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CouponCode    string        `json:"coupon_code,omitempty"`
	PromotionID   string        `json:"promotion_id,omitempty"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ReturnRequest struct {
	Reason string `json:"reason"`
}

type RejectReturnRequest struct {
	Reason string `json:"reason"`
}

type AddCartItemRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type PromotionCreateRequest struct {
	Name               string               `json:"name"`
	Type               PromotionType        `json:"type"`
	ValuePercent       float64              `json:"value_percent,omitempty"`
	ValueCents         int64                `json:"value_cents,omitempty"`
	Code               string               `json:"code,omitempty"`
	MinOrderValueCents int64                `json:"min_order_value_cents,omitempty"`
	UsageLimit         int                  `json:"usage_limit,omitempty"`
	StartsAt           *time.Time           `json:"starts_at,omitempty"`
	ExpiresAt          *time.Time           `json:"expires_at,omitempty"`
	Conditions         []PromotionCondition `json:"conditions,omitempty"`
	Rewards            []PromotionReward    `json:"rewards,omitempty"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Setting is one persisted configuration value, grouped for cache
// invalidation.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Group     string    `json:"group"`
	UpdatedAt time.Time `json:"updated_at"`
}

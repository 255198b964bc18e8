package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock is the sentinel matched by errors.Is; the concrete
	// error carries the structured shortfall data.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError reports a reservation shortfall with enough data for
// an actionable user-facing message.
type InsufficientStockError struct {
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Repository interface {
	// Users
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	// Catalog
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListVariants(ctx context.Context, productID string) ([]domain.ProductVariant, error)
	GetVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error)
	CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error)

	// Inventory ledger. Both run in their own transaction with a row lock on
	// the variant; ReserveStock re-validates availability under the lock.
	ReserveStock(ctx context.Context, variantID string, qty int) error
	ReturnStock(ctx context.Context, variantID string, qty int) error

	// Cart
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
	UpsertCartItem(ctx context.Context, userID string, item domain.CartItem) error
	RemoveCartItem(ctx context.Context, userID string, productID string, variantID string) error
	ClearCart(ctx context.Context, userID string) error
	GetCartSnapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error)

	// Addresses and shipping
	CreateAddress(ctx context.Context, address domain.Address) (*domain.Address, error)
	GetUserAddress(ctx context.Context, addressID string, userID string) (*domain.Address, error)
	ListAddresses(ctx context.Context, userID string) ([]domain.Address, error)
	GetShippingCost(ctx context.Context, area string) (*domain.ShippingCost, error)
	UpsertShippingCost(ctx context.Context, cost domain.ShippingCost) error

	// Promotions
	ListActivePromotions(ctx context.Context) ([]domain.Promotion, error)
	GetPromotion(ctx context.Context, promotionID string) (*domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error)
	CreatePromotion(ctx context.Context, promotion domain.Promotion) (*domain.Promotion, error)
	SetPromotionActive(ctx context.Context, promotionID string, active bool) (*domain.Promotion, error)
	ListPromotionUsages(ctx context.Context, promotionID string) ([]domain.PromotionUsage, error)
	ListDirectFreeShipping(ctx context.Context) ([]domain.DirectFreeShipping, error)
	CreateDirectFreeShipping(ctx context.Context, promo domain.DirectFreeShipping) (*domain.DirectFreeShipping, error)

	// Orders. CreateOrder is one transaction: order insert, item inserts,
	// per-item stock reservation, cart clear, and — when usage is non-nil —
	// the promotion usage record plus usage_count increment.
	CreateOrder(ctx context.Context, order domain.Order, usage *domain.PromotionUsage) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetUserOrder(ctx context.Context, orderID string, userID string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error)

	// Lifecycle transitions. Each is one transaction that re-checks the
	// current state under a row lock on the order before mutating.
	CancelOrder(ctx context.Context, orderID string, reason string, at time.Time) (*domain.Order, error)
	MarkOrderShipped(ctx context.Context, orderID string) (*domain.Order, error)
	MarkOrderDelivered(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	MarkOrderPaid(ctx context.Context, orderID string) (*domain.Order, error)
	// BeginRefund atomically moves a cancelled, paid order to refund_pending so
	// only one refund attempt can reach the payment provider. AbortRefund puts
	// it back to paid when the provider declines or errors; MarkOrderRefunded
	// settles it.
	BeginRefund(ctx context.Context, orderID string) (*domain.Order, error)
	AbortRefund(ctx context.Context, orderID string) (*domain.Order, error)
	MarkOrderRefunded(ctx context.Context, orderID string, gatewayTxID string, at time.Time) (*domain.Order, error)
	RequestReturn(ctx context.Context, orderID string, reason string, at time.Time) (*domain.Order, error)
	ApproveReturn(ctx context.Context, orderID string) (*domain.Order, error)
	RejectReturn(ctx context.Context, orderID string, rejectionReason string) (*domain.Order, error)
	// CompleteReturn sets the final return status (item_returned or
	// refund_processed), marks the payment refunded, and restores inventory,
	// all in one transaction.
	CompleteReturn(ctx context.Context, orderID string, final domain.ReturnStatus, gatewayTxID string, at time.Time) (*domain.Order, error)

	// Settings
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)
	UpsertSetting(ctx context.Context, setting domain.Setting) error
	ListSettingsByGroup(ctx context.Context, group string) ([]domain.Setting, error)

	// Audit
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

// Package postgres implements the storefront repository on PostgreSQL. Stock
// reservations and order placement run in serializable transactions with row
// locks; the schema is provisioned by the deployment, not by this package.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
	"storefront/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already taken", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- catalog ---

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_ar, category_id, brand_id, price_cents, sale_price_cents, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_ar, category_id, brand_id, price_cents, sale_price_cents, active
		FROM products
		WHERE id = $1
	`, productID)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, name_ar, category_id, brand_id, price_cents, sale_price_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, product.ID, product.Name, nullIfEmpty(product.NameAr), product.CategoryID, product.BrandID,
		product.PriceCents, nullCents(product.SalePriceCents), product.Active)
	if err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) ListVariants(ctx context.Context, productID string) ([]domain.ProductVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, sku, quantity, price_cents, sale_price_cents, active, is_default
		FROM product_variants
		WHERE product_id = $1
		ORDER BY sku
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.ProductVariant, 0, 8)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (s *Store) GetVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, sku, quantity, price_cents, sale_price_cents, active, is_default
		FROM product_variants
		WHERE id = $1
	`, variantID)

	v, err := scanVariant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, sku, quantity, price_cents, sale_price_cents, active, is_default, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, variant.ID, variant.ProductID, variant.SKU, variant.Quantity,
		nullCents(variant.PriceCents), nullCents(variant.SalePriceCents), variant.Active, variant.Default)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already in use", store.ErrValidation, variant.SKU)
		}
		return nil, err
	}

	created := variant
	return &created, nil
}

// --- inventory ledger ---

func (s *Store) ReserveStock(ctx context.Context, variantID string, qty int) error {
	if qty == 0 {
		return nil
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := reserveStockTx(ctx, tx, variantID, qty); err != nil {
		return err
	}
	return tx.Commit()
}

// reserveStockTx decrements a variant's quantity under a row lock inside the
// caller's transaction. It never oversells: the check and the decrement see
// the same locked row.
func reserveStockTx(ctx context.Context, tx *sql.Tx, variantID string, qty int) error {
	if qty == 0 {
		return nil
	}
	var available int
	var active bool
	var productID string
	err := tx.QueryRowContext(ctx, `
		SELECT quantity, active, product_id
		FROM product_variants
		WHERE id = $1
		FOR UPDATE
	`, variantID).Scan(&available, &active, &productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if !active {
		return fmt.Errorf("%w: variant %s is inactive", store.ErrValidation, variantID)
	}
	if available < qty {
		name := variantID
		_ = tx.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
		return &store.InsufficientStockError{ProductName: name, Requested: qty, Available: available}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE product_variants
		SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1
	`, variantID, qty)
	return err
}

func (s *Store) ReturnStock(ctx context.Context, variantID string, qty int) error {
	if qty == 0 {
		return nil
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE product_variants
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1
	`, variantID, qty)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- cart ---

func (s *Store) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, variant_id, quantity, updated_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY product_id, variant_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cart := &domain.Cart{UserID: userID}
	for rows.Next() {
		var item domain.CartItem
		var updatedAt time.Time
		if err := rows.Scan(&item.ProductID, &item.VariantID, &item.Quantity, &updatedAt); err != nil {
			return nil, err
		}
		if updatedAt.After(cart.UpdatedAt) {
			cart.UpdatedAt = updatedAt
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, rows.Err()
}

func (s *Store) UpsertCartItem(ctx context.Context, userID string, item domain.CartItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, product_id, variant_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (user_id, product_id, variant_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, userID, item.ProductID, item.VariantID, item.Quantity)
	return err
}

func (s *Store) RemoveCartItem(ctx context.Context, userID string, productID string, variantID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE user_id = $1 AND product_id = $2 AND variant_id = $3
	`, userID, productID, variantID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearCart(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return err
}

func (s *Store) GetCartSnapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			ci.product_id, ci.variant_id, ci.quantity,
			p.name, p.name_ar, p.category_id, p.brand_id, p.price_cents, p.sale_price_cents, p.active,
			v.id, v.sku, v.quantity, v.price_cents, v.sale_price_cents, v.active, v.is_default
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		LEFT JOIN product_variants v ON v.id = ci.variant_id AND ci.variant_id <> ''
		WHERE ci.user_id = $1 AND p.active = true
		ORDER BY ci.product_id, ci.variant_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &domain.CartSnapshot{UserID: userID}
	for rows.Next() {
		var line domain.CartLine
		var nameAr sql.NullString
		var productSale sql.NullInt64
		var variantID, variantSKU sql.NullString
		var variantQty sql.NullInt64
		var variantPrice, variantSale sql.NullInt64
		var variantActive, variantDefault sql.NullBool

		err := rows.Scan(
			&line.Item.ProductID, &line.Item.VariantID, &line.Item.Quantity,
			&line.Product.Name, &nameAr, &line.Product.CategoryID, &line.Product.BrandID,
			&line.Product.PriceCents, &productSale, &line.Product.Active,
			&variantID, &variantSKU, &variantQty, &variantPrice, &variantSale, &variantActive, &variantDefault,
		)
		if err != nil {
			return nil, err
		}

		line.Product.ID = line.Item.ProductID
		line.Product.NameAr = nameAr.String
		if productSale.Valid {
			sale := productSale.Int64
			line.Product.SalePriceCents = &sale
		}
		if variantID.Valid {
			if !variantActive.Bool {
				continue
			}
			v := domain.ProductVariant{
				ID:        variantID.String,
				ProductID: line.Item.ProductID,
				SKU:       variantSKU.String,
				Quantity:  int(variantQty.Int64),
				Active:    variantActive.Bool,
				Default:   variantDefault.Bool,
			}
			if variantPrice.Valid {
				price := variantPrice.Int64
				v.PriceCents = &price
			}
			if variantSale.Valid {
				sale := variantSale.Int64
				v.SalePriceCents = &sale
			}
			line.Variant = &v
		} else if line.Item.VariantID != "" {
			// Variant was removed from the catalog; skip the stale line.
			continue
		}

		line.UnitPriceCents = domain.ResolveUnitPrice(line.Product, line.Variant)
		snap.Lines = append(snap.Lines, line)
	}
	return snap, rows.Err()
}

// --- addresses and shipping ---

func (s *Store) CreateAddress(ctx context.Context, address domain.Address) (*domain.Address, error) {
	if address.ID == "" {
		address.ID = xid.New("addr")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO addresses (id, user_id, label, line1, city, area, phone, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, address.ID, address.UserID, address.Label, address.Line1, address.City, address.Area, address.Phone)
	if err != nil {
		return nil, err
	}

	created := address
	return &created, nil
}

func (s *Store) GetUserAddress(ctx context.Context, addressID string, userID string) (*domain.Address, error) {
	var address domain.Address
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, line1, city, area, phone
		FROM addresses
		WHERE id = $1 AND user_id = $2
	`, addressID, userID).Scan(&address.ID, &address.UserID, &address.Label, &address.Line1,
		&address.City, &address.Area, &address.Phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &address, nil
}

func (s *Store) ListAddresses(ctx context.Context, userID string) ([]domain.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, label, line1, city, area, phone
		FROM addresses
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	addresses := make([]domain.Address, 0, 4)
	for rows.Next() {
		var address domain.Address
		if err := rows.Scan(&address.ID, &address.UserID, &address.Label, &address.Line1,
			&address.City, &address.Area, &address.Phone); err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	return addresses, rows.Err()
}

func (s *Store) GetShippingCost(ctx context.Context, area string) (*domain.ShippingCost, error) {
	var cost domain.ShippingCost
	err := s.db.QueryRowContext(ctx, `
		SELECT area, cost_cents
		FROM shipping_costs
		WHERE area_key = $1
	`, strings.ToLower(strings.TrimSpace(area))).Scan(&cost.Area, &cost.CostCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &cost, nil
}

func (s *Store) UpsertShippingCost(ctx context.Context, cost domain.ShippingCost) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipping_costs (area_key, area, cost_cents, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (area_key)
		DO UPDATE SET area = EXCLUDED.area, cost_cents = EXCLUDED.cost_cents, updated_at = now()
	`, strings.ToLower(strings.TrimSpace(cost.Area)), cost.Area, cost.CostCents)
	return err
}

// --- promotions ---

const promotionColumns = `
	id, name, type, value_percent, value_cents, code, min_order_value_cents,
	usage_limit, usage_count, starts_at, expires_at, active, conditions, rewards, created_at
`

func (s *Store) ListActivePromotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promotions := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, p)
	}
	return promotions, rows.Err()
}

func (s *Store) GetPromotion(ctx context.Context, promotionID string) (*domain.Promotion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE id = $1
	`, promotionID)

	p, err := scanPromotion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE code IS NOT NULL AND upper(code) = upper($1)
	`, code)

	p, err := scanPromotion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePromotion(ctx context.Context, promotion domain.Promotion) (*domain.Promotion, error) {
	if promotion.ID == "" {
		promotion.ID = xid.New("promo")
	}
	if promotion.CreatedAt.IsZero() {
		promotion.CreatedAt = time.Now().UTC()
	}

	conditions, err := json.Marshal(promotion.Conditions)
	if err != nil {
		return nil, err
	}
	rewards, err := json.Marshal(promotion.Rewards)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promotions (
			id, name, type, value_percent, value_cents, code, min_order_value_cents,
			usage_limit, usage_count, starts_at, expires_at, active, conditions, rewards, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$11,$12,$13,$14)
	`, promotion.ID, promotion.Name, promotion.Type, promotion.ValuePercent, promotion.ValueCents,
		nullIfEmpty(promotion.Code), promotion.MinOrderValueCents, promotion.UsageLimit,
		nullTime(promotion.StartsAt), nullTime(promotion.ExpiresAt), promotion.Active,
		conditions, rewards, promotion.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already in use", store.ErrValidation, promotion.Code)
		}
		return nil, err
	}

	created := promotion
	return &created, nil
}

func (s *Store) SetPromotionActive(ctx context.Context, promotionID string, active bool) (*domain.Promotion, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE promotions SET active = $2 WHERE id = $1
	`, promotionID, active)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPromotion(ctx, promotionID)
}

func (s *Store) ListPromotionUsages(ctx context.Context, promotionID string) ([]domain.PromotionUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, promotion_id, order_id, user_id, discount_cents, used_at
		FROM promotion_usages
		WHERE promotion_id = $1
		ORDER BY used_at DESC
	`, promotionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usages := make([]domain.PromotionUsage, 0, 16)
	for rows.Next() {
		var usage domain.PromotionUsage
		if err := rows.Scan(&usage.ID, &usage.PromotionID, &usage.OrderID, &usage.UserID,
			&usage.DiscountCents, &usage.UsedAt); err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, rows.Err()
}

func (s *Store) ListDirectFreeShipping(ctx context.Context) ([]domain.DirectFreeShipping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, min_order_cents, active
		FROM direct_free_shipping
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promos := make([]domain.DirectFreeShipping, 0, 4)
	for rows.Next() {
		var promo domain.DirectFreeShipping
		if err := rows.Scan(&promo.ID, &promo.Name, &promo.MinOrderCents, &promo.Active); err != nil {
			return nil, err
		}
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

func (s *Store) CreateDirectFreeShipping(ctx context.Context, promo domain.DirectFreeShipping) (*domain.DirectFreeShipping, error) {
	if promo.ID == "" {
		promo.ID = xid.New("dfs")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_free_shipping (id, name, min_order_cents, active, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, promo.ID, promo.Name, promo.MinOrderCents, promo.Active)
	if err != nil {
		return nil, err
	}

	created := promo
	return &created, nil
}

// --- orders ---

// CreateOrder runs the whole placement in one serializable transaction: the
// order and its items are inserted, every line's stock is reserved under a row
// lock, the cart is cleared, and the promotion redemption is recorded with its
// counter incremented under the promotion's own row lock.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order, usage *domain.PromotionUsage) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrValidation)
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range order.Items {
		if item.VariantID == "" {
			continue
		}
		if err := reserveStockTx(ctx, tx, item.VariantID, item.Quantity); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, status, payment_status, payment_method,
			subtotal_cents, shipping_cents, discount_cents, total_cents,
			coupon_code, promotion_id, address_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, order.ID, order.UserID, order.Status, order.PaymentStatus, order.PaymentMethod,
		order.SubtotalCents, order.ShippingCents, order.DiscountCents, order.TotalCents,
		nullIfEmpty(order.CouponCode), nullIfEmpty(order.PromotionID), order.AddressID, order.CreatedAt)
	if err != nil {
		return nil, err
	}

	// The usage row references the order, so it is inserted after it.
	if usage != nil {
		var usageLimit, usageCount int
		err := tx.QueryRowContext(ctx, `
			SELECT usage_limit, usage_count
			FROM promotions
			WHERE id = $1
			FOR UPDATE
		`, usage.PromotionID).Scan(&usageLimit, &usageCount)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: promotion %s", store.ErrNotFound, usage.PromotionID)
			}
			return nil, err
		}
		if usageLimit > 0 && usageCount >= usageLimit {
			return nil, fmt.Errorf("%w: promotion usage limit reached", store.ErrValidation)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE promotions SET usage_count = usage_count + 1 WHERE id = $1
		`, usage.PromotionID); err != nil {
			return nil, err
		}

		usageID := usage.ID
		if usageID == "" {
			usageID = xid.New("usage")
		}
		usedAt := usage.UsedAt
		if usedAt.IsZero() {
			usedAt = order.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO promotion_usages (id, promotion_id, order_id, user_id, discount_cents, used_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, usageID, usage.PromotionID, order.ID, usage.UserID, usage.DiscountCents, usedAt); err != nil {
			return nil, err
		}
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, variant_id, quantity, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, item.ProductID, item.ProductName, item.VariantID, item.Quantity,
			item.UnitPriceCents, item.SubtotalCents)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cart_items WHERE user_id = $1
	`, order.UserID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

const orderColumns = `
	id, user_id, status, payment_status, payment_method,
	subtotal_cents, shipping_cents, discount_cents, total_cents,
	coupon_code, promotion_id, address_id,
	return_status, return_reason, cancellation_reason, refund_transaction_id,
	created_at, delivered_at, cancelled_at, refunded_at, return_requested_at
`

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.getOrderWhere(ctx, `id = $1`, orderID)
}

func (s *Store) GetUserOrder(ctx context.Context, orderID string, userID string) (*domain.Order, error) {
	return s.getOrderWhere(ctx, `id = $1 AND user_id = $2`, orderID, userID)
}

func (s *Store) getOrderWhere(ctx context.Context, where string, args ...any) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+where, args...)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.listOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
	`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, userID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.listOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) listOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, variant_id, quantity, unit_price_cents, subtotal_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id, variant_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.VariantID,
			&item.Quantity, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- lifecycle ---

// lockOrder reads an order's transition-relevant fields under FOR UPDATE so a
// concurrent transition on the same order serializes behind this one.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (domain.Order, error) {
	var order domain.Order
	var returnStatus sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, status, payment_status, payment_method, return_status
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&order.ID, &order.UserID, &order.Status, &order.PaymentStatus,
		&order.PaymentMethod, &returnStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return order, store.ErrNotFound
		}
		return order, err
	}
	order.ReturnStatus = domain.ReturnStatus(returnStatus.String)
	return order, nil
}

// CancelOrder restores the reserved stock in the same transaction as the
// status change.
func (s *Store) CancelOrder(ctx context.Context, orderID string, reason string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanCancel() {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", store.ErrValidation, order.Status)
	}

	items, err := s.listOrderItemsTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.VariantID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE product_variants
			SET quantity = quantity + $2, updated_at = now()
			WHERE id = $1
		`, item.VariantID, item.Quantity)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancellation_reason = $3, cancelled_at = $4
		WHERE id = $1
	`, orderID, domain.OrderCancelled, reason, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) listOrderItemsTx(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.OrderItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, product_name, variant_id, quantity, unit_price_cents, subtotal_cents
		FROM order_items
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.VariantID,
			&item.Quantity, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkOrderShipped(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if !order.Status.CanShip() {
			return fmt.Errorf("%w: cannot ship order in status %s", store.ErrValidation, order.Status)
		}
		return nil
	}, `UPDATE orders SET status = $2 WHERE id = $1`, domain.OrderShipped)
}

func (s *Store) MarkOrderDelivered(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if !order.Status.CanDeliver() {
			return fmt.Errorf("%w: cannot deliver order in status %s", store.ErrValidation, order.Status)
		}
		return nil
	}, `UPDATE orders SET status = $2, delivered_at = $3 WHERE id = $1`, domain.OrderDelivered, at)
}

func (s *Store) MarkOrderPaid(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.PaymentStatus != domain.PaymentPending {
			return fmt.Errorf("%w: payment is already %s", store.ErrValidation, order.PaymentStatus)
		}
		return nil
	}, `UPDATE orders SET payment_status = $2 WHERE id = $1`, domain.PaymentPaid)
}

func (s *Store) BeginRefund(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.Status != domain.OrderCancelled {
			return fmt.Errorf("%w: refund requires a cancelled order, got %s", store.ErrValidation, order.Status)
		}
		if order.PaymentStatus != domain.PaymentPaid {
			return fmt.Errorf("%w: refund requires a paid order, got %s", store.ErrValidation, order.PaymentStatus)
		}
		return nil
	}, `UPDATE orders SET payment_status = $2 WHERE id = $1`, domain.PaymentRefundPending)
}

func (s *Store) AbortRefund(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.PaymentStatus != domain.PaymentRefundPending {
			return fmt.Errorf("%w: no refund in progress, payment is %s", store.ErrValidation, order.PaymentStatus)
		}
		return nil
	}, `UPDATE orders SET payment_status = $2 WHERE id = $1`, domain.PaymentPaid)
}

func (s *Store) MarkOrderRefunded(ctx context.Context, orderID string, gatewayTxID string, at time.Time) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.PaymentStatus != domain.PaymentRefundPending {
			return fmt.Errorf("%w: no refund in progress, payment is %s", store.ErrValidation, order.PaymentStatus)
		}
		return nil
	}, `UPDATE orders SET payment_status = $2, refund_transaction_id = $3, refunded_at = $4 WHERE id = $1`,
		domain.PaymentRefunded, gatewayTxID, at)
}

func (s *Store) RequestReturn(ctx context.Context, orderID string, reason string, at time.Time) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.Status != domain.OrderDelivered {
			return fmt.Errorf("%w: returns require a delivered order, got %s", store.ErrValidation, order.Status)
		}
		if order.ReturnStatus != domain.ReturnNone {
			return fmt.Errorf("%w: a return was already requested", store.ErrValidation)
		}
		return nil
	}, `UPDATE orders SET return_status = $2, return_reason = $3, return_requested_at = $4 WHERE id = $1`,
		domain.ReturnRequested, reason, at)
}

func (s *Store) ApproveReturn(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.ReturnStatus != domain.ReturnRequested {
			return fmt.Errorf("%w: cannot approve return in state %q", store.ErrValidation, order.ReturnStatus)
		}
		return nil
	}, `UPDATE orders SET return_status = $2 WHERE id = $1`, domain.ReturnApproved)
}

func (s *Store) RejectReturn(ctx context.Context, orderID string, rejectionReason string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(order domain.Order) error {
		if order.ReturnStatus != domain.ReturnRequested {
			return fmt.Errorf("%w: cannot reject return in state %q", store.ErrValidation, order.ReturnStatus)
		}
		return nil
	}, `
		UPDATE orders
		SET return_status = $2,
		    return_reason = CASE WHEN $3 <> '' THEN return_reason || ' | Rejection: ' || $3 ELSE return_reason END
		WHERE id = $1
	`, domain.ReturnRejected, rejectionReason)
}

// CompleteReturn restores the returned stock in the same transaction as the
// settlement.
func (s *Store) CompleteReturn(ctx context.Context, orderID string, final domain.ReturnStatus, gatewayTxID string, at time.Time) (*domain.Order, error) {
	if final != domain.ItemReturned && final != domain.RefundProcessed {
		return nil, fmt.Errorf("%w: invalid final return state %q", store.ErrValidation, final)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ReturnStatus != domain.ReturnApproved {
		return nil, fmt.Errorf("%w: cannot complete return in state %q", store.ErrValidation, order.ReturnStatus)
	}

	items, err := s.listOrderItemsTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.VariantID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE product_variants
			SET quantity = quantity + $2, updated_at = now()
			WHERE id = $1
		`, item.VariantID, item.Quantity)
		if err != nil {
			return nil, err
		}
	}

	// Both settlement branches mark the payment refunded; only a gateway
	// settlement carries a transaction id.
	if final == domain.RefundProcessed {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET return_status = $2, payment_status = $3, refund_transaction_id = $4, refunded_at = $5
			WHERE id = $1
		`, orderID, final, domain.PaymentRefunded, gatewayTxID, at)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET return_status = $2, payment_status = $3, refunded_at = $4
			WHERE id = $1
		`, orderID, final, domain.PaymentRefunded, at)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// transition locks the order row, validates the move, and applies the update
// in one serializable transaction.
func (s *Store) transition(ctx context.Context, orderID string, check func(domain.Order) error, query string, args ...any) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := check(order); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, query, append([]any{orderID}, args...)...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// --- settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	var setting domain.Setting
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, grp, updated_at
		FROM settings
		WHERE key = $1
	`, key).Scan(&setting.Key, &setting.Value, &setting.Group, &setting.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &setting, nil
}

func (s *Store) UpsertSetting(ctx context.Context, setting domain.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, grp, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, grp = EXCLUDED.grp, updated_at = now()
	`, setting.Key, setting.Value, setting.Group)
	return err
}

func (s *Store) ListSettingsByGroup(ctx context.Context, group string) ([]domain.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, grp, updated_at
		FROM settings
		WHERE grp = $1
		ORDER BY key
	`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make([]domain.Setting, 0, 8)
	for rows.Next() {
		var setting domain.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Group, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// --- audit ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullTimeValue(from), nullTimeValue(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var nameAr sql.NullString
	var sale sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &nameAr, &p.CategoryID, &p.BrandID, &p.PriceCents, &sale, &p.Active)
	if err != nil {
		return p, err
	}
	p.NameAr = nameAr.String
	if sale.Valid {
		v := sale.Int64
		p.SalePriceCents = &v
	}
	return p, nil
}

func scanVariant(row rowScanner) (domain.ProductVariant, error) {
	var v domain.ProductVariant
	var price, sale sql.NullInt64
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Quantity, &price, &sale, &v.Active, &v.Default)
	if err != nil {
		return v, err
	}
	if price.Valid {
		p := price.Int64
		v.PriceCents = &p
	}
	if sale.Valid {
		s := sale.Int64
		v.SalePriceCents = &s
	}
	return v, nil
}

func scanPromotion(row rowScanner) (domain.Promotion, error) {
	var p domain.Promotion
	var code sql.NullString
	var startsAt, expiresAt sql.NullTime
	var conditions, rewards []byte

	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.ValuePercent, &p.ValueCents, &code,
		&p.MinOrderValueCents, &p.UsageLimit, &p.UsageCount, &startsAt, &expiresAt,
		&p.Active, &conditions, &rewards, &p.CreatedAt)
	if err != nil {
		return p, err
	}

	p.Code = code.String
	if startsAt.Valid {
		t := startsAt.Time.UTC()
		p.StartsAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		p.ExpiresAt = &t
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return p, fmt.Errorf("promotion %s: decode conditions: %w", p.ID, err)
		}
	}
	if len(rewards) > 0 {
		if err := json.Unmarshal(rewards, &p.Rewards); err != nil {
			return p, fmt.Errorf("promotion %s: decode rewards: %w", p.ID, err)
		}
	}
	return p, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var order domain.Order
	var couponCode, promotionID, returnStatus, returnReason, cancelReason, refundTx sql.NullString
	var deliveredAt, cancelledAt, refundedAt, returnRequestedAt sql.NullTime

	err := row.Scan(&order.ID, &order.UserID, &order.Status, &order.PaymentStatus, &order.PaymentMethod,
		&order.SubtotalCents, &order.ShippingCents, &order.DiscountCents, &order.TotalCents,
		&couponCode, &promotionID, &order.AddressID,
		&returnStatus, &returnReason, &cancelReason, &refundTx,
		&order.CreatedAt, &deliveredAt, &cancelledAt, &refundedAt, &returnRequestedAt)
	if err != nil {
		return order, err
	}

	order.CouponCode = couponCode.String
	order.PromotionID = promotionID.String
	order.ReturnStatus = domain.ReturnStatus(returnStatus.String)
	order.ReturnReason = returnReason.String
	order.CancellationReason = cancelReason.String
	order.RefundTransactionID = refundTx.String
	order.DeliveredAt = timePtr(deliveredAt)
	order.CancelledAt = timePtr(cancelledAt)
	order.RefundedAt = timePtr(refundedAt)
	order.ReturnRequestedAt = timePtr(returnRequestedAt)
	return order, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTimeValue(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

func nullCents(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

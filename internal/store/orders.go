package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/models"
)

const orderColumns = `id, user_id, order_number, status, total_amount, shipping_address_id, billing_address_id, payment_method_id, notes, shipped_at, delivered_at, created_at, updated_at, version`

// orderNumberConstraint is the unique index CreateOrder retries against.
const orderNumberConstraint = "orders_order_number_key"

// orderNumberRetries bounds regeneration attempts before the collision is
// surfaced to the caller.
const orderNumberRetries = 3

type CreateOrderRequest struct {
	UserID            int64
	ShippingAddressID int64
	BillingAddressID  int64 // zero means same as shipping
	PaymentMethodID   int64
	Notes             string
	Items             []OrderItemRequest
}

type OrderItemRequest struct {
	ProductID int64
	Quantity  int
	Discount  decimal.Decimal
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	order := &models.Order{}
	var notes sql.NullString
	var shippedAt, deliveredAt sql.NullTime
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.ShippingAddressID,
		&order.BillingAddressID,
		&order.PaymentMethodID,
		&notes,
		&shippedAt,
		&deliveredAt,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	order.Notes = notes.String
	if shippedAt.Valid {
		order.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}
	return order, nil
}

func validateCreateOrder(req CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return &database.ValidationError{Field: "items", Reason: "order must contain at least one item"}
	}
	if req.ShippingAddressID == 0 {
		return &database.ValidationError{Field: "shipping_address_id", Reason: "required"}
	}
	if req.PaymentMethodID == 0 {
		return &database.ValidationError{Field: "payment_method_id", Reason: "required"}
	}
	seen := make(map[int64]bool, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return &database.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive for product %d", item.ProductID)}
		}
		if item.Discount.IsNegative() {
			return &database.ValidationError{Field: "discount", Reason: fmt.Sprintf("must not be negative for product %d", item.ProductID)}
		}
		if seen[item.ProductID] {
			return &database.ValidationError{Field: "items", Reason: fmt.Sprintf("product %d listed twice", item.ProductID)}
		}
		seen[item.ProductID] = true
	}
	return nil
}

// CreateOrder runs the placement workflow: validate address and payment
// ownership, lock and reserve stock for every line, snapshot unit prices
// into line items, and persist the aggregate with a generated order number.
// Everything happens in one serializable transaction, so a failure on any
// line aborts the earlier reservations with it; the order either exists
// completely or not at all.
//
// An order-number collision aborts the transaction; the whole attempt is
// re-run with a fresh number up to orderNumberRetries times.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	var order *models.Order
	var err error
	for attempt := 0; attempt <= orderNumberRetries; attempt++ {
		order, err = createOrderAttempt(ctx, db, req)
		if err != nil && database.IsUniqueViolation(err, orderNumberConstraint) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func createOrderAttempt(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
			req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return database.ErrUserNotFound
		}

		if err := checkAddressOwned(ctx, tx, req.ShippingAddressID, req.UserID); err != nil {
			return err
		}
		billingAddressID := req.BillingAddressID
		if billingAddressID == 0 {
			billingAddressID = req.ShippingAddressID
		} else if err := checkAddressOwned(ctx, tx, billingAddressID, req.UserID); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_methods WHERE id = $1 AND user_id = $2 AND is_active)`,
			req.PaymentMethodID, req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check payment method: %w", err)
		}
		if !exists {
			return database.ErrInvalidPaymentMethod
		}

		totalAmount := decimal.Zero
		items := make([]models.OrderItem, 0, len(req.Items))
		for _, item := range req.Items {
			product, err := lockProduct(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}
			if !product.IsActive {
				return database.ErrProductInactive
			}
			if product.StockQuantity < item.Quantity {
				return &database.InsufficientStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: product.StockQuantity,
				}
			}
			if item.Discount.GreaterThan(product.Price) {
				return &database.ValidationError{Field: "discount", Reason: fmt.Sprintf("exceeds unit price for product %d", item.ProductID)}
			}

			lineTotal := models.ComputeLineTotal(product.Price, item.Discount, item.Quantity)
			items = append(items, models.OrderItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
				Discount:  item.Discount,
				LineTotal: lineTotal,
			})
			totalAmount = totalAmount.Add(lineTotal)
		}

		orderNumber := newOrderNumber()
		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, total_amount, shipping_address_id, billing_address_id, payment_method_id, notes, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, orderNumber, models.OrderStatusPending, totalAmount,
			req.ShippingAddressID, billingAddressID, req.PaymentMethodID, req.Notes).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range items {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price, discount, line_total, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, item.ProductID, item.Quantity, item.UnitPrice, item.Discount, item.LineTotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for _, item := range items {
			if err := ReserveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		order, err = loadOrder(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return order, nil
}

func checkAddressOwned(ctx context.Context, tx *sql.Tx, addressID, userID int64) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM addresses WHERE id = $1 AND user_id = $2 AND is_active)`,
		addressID, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check address: %w", err)
	}
	if !exists {
		return database.ErrInvalidAddress
	}
	return nil
}

// CancelOrder restores stock for every line item and flips the status to
// cancelled in the same transaction. If any restoration fails the status
// stays put and the order remains cancellable, so a retry is safe.
func CancelOrder(ctx context.Context, db *sql.DB, orderID, userID int64, isAdmin bool) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current.UserID != userID && !isAdmin {
			return database.ErrOrderNotFound
		}

		if _, err := current.Status.Transition(models.OrderStatusCancelled); err != nil {
			return err
		}

		items, err := loadOrderItems(ctx, tx, orderID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := RestoreStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("restore stock for product %d: %w", item.ProductID, err)
			}
		}

		order, err = setOrderStatus(ctx, tx, orderID, models.OrderStatusCancelled)
		if err != nil {
			return err
		}
		order.Items = items
		return nil
	})

	if err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateOrderStatus is the administrative transition path. Shipping and
// delivery never touch stock; cancellation goes through the same
// compensating restore as CancelOrder.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, orderID int64, newStatus models.OrderStatus) (*models.Order, error) {
	if newStatus == models.OrderStatusCancelled {
		return CancelOrder(ctx, db, orderID, 0, true)
	}

	var order *models.Order
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if _, err := current.Status.Transition(newStatus); err != nil {
			return err
		}

		order, err = setOrderStatus(ctx, tx, orderID, newStatus)
		if err != nil {
			return err
		}

		order.Items, err = loadOrderItems(ctx, tx, orderID)
		return err
	})

	if err != nil {
		return nil, err
	}
	return order, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1
		FOR UPDATE`

	order, err := scanOrder(tx.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order %d: %w", orderID, err)
	}
	return order, nil
}

func setOrderStatus(ctx context.Context, tx *sql.Tx, orderID int64, status models.OrderStatus) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1,
		    shipped_at = CASE WHEN $1 = 'shipped' THEN NOW() ELSE shipped_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = $2
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRowContext(ctx, query, status, orderID))
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	return order, nil
}

func loadOrder(ctx context.Context, q querier, orderID int64) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1`

	order, err := scanOrder(q.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	order.Items, err = loadOrderItems(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderID int64) ([]models.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, quantity, unit_price, discount, line_total, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Discount,
			&item.LineTotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func GetOrder(ctx context.Context, db *sql.DB, orderID int64) (*models.Order, error) {
	return loadOrder(ctx, db, orderID)
}

// GetUserOrder hides orders that belong to someone else behind NotFound.
func GetUserOrder(ctx context.Context, db *sql.DB, orderID, userID int64) (*models.Order, error) {
	order, err := loadOrder(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, database.ErrOrderNotFound
	}
	return order, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, &database.ValidationError{Field: "cursor", Reason: "malformed cursor"}
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(KeysetCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

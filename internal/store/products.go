package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/models"
)

const productColumns = `id, sku, name, description, price, stock_quantity, is_active, created_at, updated_at, version`

func scanProduct(row interface{ Scan(...any) error }) (*models.Product, error) {
	product := &models.Product{}
	err := row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.IsActive,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}
	return product, nil
}

func CreateProduct(ctx context.Context, db *sql.DB, sku, name, description string, price decimal.Decimal, stock int) (*models.Product, error) {
	if price.LessThan(decimal.NewFromFloat(0.01)) {
		return nil, &database.ValidationError{Field: "price", Reason: "must be at least 0.01"}
	}
	if stock < 0 {
		return nil, &database.ValidationError{Field: "stock", Reason: "must not be negative"}
	}

	query := `
		INSERT INTO products (sku, name, description, price, stock_quantity, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	product, err := scanProduct(db.QueryRowContext(ctx, query, sku, name, description, price, stock))
	if err != nil {
		if database.IsUniqueViolation(err, "products_sku_key") {
			return nil, database.ErrDuplicateSKU
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

// GetProduct returns an active product. Soft-deleted products are
// indistinguishable from missing ones at this boundary.
func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = $1 AND is_active`

	product, err := scanProduct(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// lockProduct reads a product row under FOR UPDATE, including inactive rows
// so callers can tell missing from soft-deleted.
func lockProduct(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = $1
		FOR UPDATE`

	product, err := scanProduct(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product %d: %w", id, err)
	}

	return product, nil
}

// ReserveStock decrements stock_quantity by quantity if and only if the
// product is active and has at least that much on hand. The conditional
// update is the sole mutation path, so concurrent reservations cannot
// oversell. On failure the reason is diagnosed with a follow-up read.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	if quantity <= 0 {
		return &database.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND is_active
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	product, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !product.IsActive {
		return database.ErrProductInactive
	}
	return &database.InsufficientStockError{
		ProductID: productID,
		Requested: quantity,
		Available: product.StockQuantity,
	}
}

// RestoreStock puts quantity back on hand. Used as the compensating action
// on cancellation; it never checks stock levels, only that the row exists.
func RestoreStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	if quantity <= 0 {
		return &database.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

func DeactivateProduct(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET is_active = FALSE, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND is_active`,
		id)
	if err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

func ListProducts(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE is_active`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE is_active
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(products, total, page, pageSize), nil
}

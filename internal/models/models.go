package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

type Address struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	FullAddress string    `json:"full_address"`
	City        string    `json:"city"`
	District    string    `json:"district"`
	PostalCode  string    `json:"postal_code"`
	Country     string    `json:"country"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	IsDefault   bool      `json:"is_default"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type PaymentMethod struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	Type             string    `json:"type"`
	CardHolderName   string    `json:"card_holder_name,omitempty"`
	CardNumberMasked string    `json:"card_number,omitempty"`
	CardFingerprint  string    `json:"-"`
	ExpiryMonth      int       `json:"expiry_month,omitempty"`
	ExpiryYear       int       `json:"expiry_year,omitempty"`
	BankName         string    `json:"bank_name,omitempty"`
	AccountMasked    string    `json:"account_number,omitempty"`
	IsDefault        bool      `json:"is_default"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Order struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	OrderNumber       string          `json:"order_number"`
	Status            OrderStatus     `json:"status"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	ShippingAddressID int64           `json:"shipping_address_id"`
	BillingAddressID  int64           `json:"billing_address_id"`
	PaymentMethodID   int64           `json:"payment_method_id"`
	Notes             string          `json:"notes,omitempty"`
	ShippedAt         *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int             `json:"version"`
	Items             []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	LineTotal decimal.Decimal `json:"line_total"`
	CreatedAt time.Time       `json:"created_at"`
}

// ComputeLineTotal returns (unitPrice - discount) * quantity. The result is
// snapshotted into the item at order creation and never recomputed.
func ComputeLineTotal(unitPrice, discount decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Sub(discount).Mul(decimal.NewFromInt(int64(quantity)))
}

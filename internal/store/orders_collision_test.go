package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/models"
)

func setupStoreDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		t.Fatalf("Failed to read migration directory: %v", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		content, err := os.ReadFile(filepath.Join(migrationDir, filename))
		if err != nil {
			t.Fatalf("Failed to read migration %s: %v", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			t.Fatalf("Failed to execute migration %s: %v", filename, err)
		}
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func seedBuyer(t *testing.T, db *sql.DB, email string) (*models.User, *models.Address, *models.PaymentMethod) {
	t.Helper()
	ctx := context.Background()

	user, err := CreateUser(ctx, db, email, "Test User")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}

	address, err := CreateAddress(ctx, db, user.ID, CreateAddressRequest{
		Title:       "Home",
		FullAddress: "1 Test Street",
		City:        "Istanbul",
		District:    "Kadikoy",
		PostalCode:  "34000",
		IsDefault:   true,
	})
	if err != nil {
		t.Fatalf("Create address: %v", err)
	}

	pm, err := CreatePaymentMethod(ctx, db, user.ID, CreatePaymentMethodRequest{
		Type:           PaymentTypeCreditCard,
		CardHolderName: "Test User",
		CardNumber:     "4111111111111111",
		ExpiryMonth:    12,
		ExpiryYear:     2030,
		IsDefault:      true,
	})
	if err != nil {
		t.Fatalf("Create payment method: %v", err)
	}

	return user, address, pm
}

func TestCreateOrderRegeneratesNumberOnCollision(t *testing.T) {
	db, cleanup := setupStoreDB(t)
	defer cleanup()

	ctx := context.Background()
	user, address, pm := seedBuyer(t, db, "collision@example.com")
	product, err := CreateProduct(ctx, db, "COLL-1", "Widget", "", decimal.NewFromInt(50), 10)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	taken := "ORD-20260901-0DDBA11C"
	newOrderNumber = func() string { return taken }
	t.Cleanup(func() { newOrderNumber = generateOrderNumber })

	first, err := CreateOrder(ctx, db, CreateOrderRequest{
		UserID:            user.ID,
		ShippingAddressID: address.ID,
		PaymentMethodID:   pm.ID,
		Items:             []OrderItemRequest{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Create first order: %v", err)
	}
	if first.OrderNumber != taken {
		t.Fatalf("First order number = %s, want %s", first.OrderNumber, taken)
	}

	// Collide on the first draw only; the next attempt gets a fresh number.
	calls := 0
	newOrderNumber = func() string {
		calls++
		if calls == 1 {
			return taken
		}
		return generateOrderNumber()
	}

	second, err := CreateOrder(ctx, db, CreateOrderRequest{
		UserID:            user.ID,
		ShippingAddressID: address.ID,
		PaymentMethodID:   pm.ID,
		Items:             []OrderItemRequest{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Create second order after collision: %v", err)
	}
	if second.OrderNumber == taken {
		t.Errorf("Second order kept the colliding number %s", taken)
	}
	if calls != 2 {
		t.Errorf("Generator called %d times, want 2", calls)
	}

	updated, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if updated.StockQuantity != 6 {
		t.Errorf("Stock = %d after two orders of 2, want 6", updated.StockQuantity)
	}
}

func TestCreateOrderNumberRetriesExhausted(t *testing.T) {
	db, cleanup := setupStoreDB(t)
	defer cleanup()

	ctx := context.Background()
	user, address, pm := seedBuyer(t, db, "exhausted@example.com")
	product, err := CreateProduct(ctx, db, "COLL-2", "Widget", "", decimal.NewFromInt(50), 10)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	taken := "ORD-20260901-DEADBEEF"
	newOrderNumber = func() string { return taken }
	t.Cleanup(func() { newOrderNumber = generateOrderNumber })

	if _, err := CreateOrder(ctx, db, CreateOrderRequest{
		UserID:            user.ID,
		ShippingAddressID: address.ID,
		PaymentMethodID:   pm.ID,
		Items:             []OrderItemRequest{{ProductID: product.ID, Quantity: 2}},
	}); err != nil {
		t.Fatalf("Create first order: %v", err)
	}

	// Every regeneration draws the same number, so the collision survives
	// all attempts and must surface.
	_, err = CreateOrder(ctx, db, CreateOrderRequest{
		UserID:            user.ID,
		ShippingAddressID: address.ID,
		PaymentMethodID:   pm.ID,
		Items:             []OrderItemRequest{{ProductID: product.ID, Quantity: 2}},
	})
	if err == nil {
		t.Fatal("Expected error when every generated number collides")
	}
	if !database.IsUniqueViolation(err, orderNumberConstraint) {
		t.Errorf("Expected unique violation on %s, got %v", orderNumberConstraint, err)
	}

	updated, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if updated.StockQuantity != 8 {
		t.Errorf("Stock = %d after one order of 2 and one failure, want 8", updated.StockQuantity)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE user_id = $1", user.ID).Scan(&count); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if count != 1 {
		t.Errorf("Order count = %d after failed placement, want 1", count)
	}
}

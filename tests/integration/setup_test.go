package integration

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

	"github.com/kervan/go-commerce-store/internal/models"
	"github.com/kervan/go-commerce-store/internal/store"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
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

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
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

func runMigrations(db *sql.DB) error {
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

// checkoutFixture is a user with one address and one payment method, the
// minimum a placement request needs.
type checkoutFixture struct {
	User          *models.User
	Address       *models.Address
	PaymentMethod *models.PaymentMethod
}

func seedCheckout(t *testing.T, db *sql.DB, email string) checkoutFixture {
	t.Helper()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, db, email, "Test User")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}

	address, err := store.CreateAddress(ctx, db, user.ID, store.CreateAddressRequest{
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

	pm, err := store.CreatePaymentMethod(ctx, db, user.ID, store.CreatePaymentMethodRequest{
		Type:           store.PaymentTypeCreditCard,
		CardHolderName: "Test User",
		CardNumber:     "4111111111111111",
		ExpiryMonth:    12,
		ExpiryYear:     2030,
		IsDefault:      true,
	})
	if err != nil {
		t.Fatalf("Create payment method: %v", err)
	}

	return checkoutFixture{User: user, Address: address, PaymentMethod: pm}
}

func seedProduct(t *testing.T, db *sql.DB, sku string, price int64, stock int) *models.Product {
	t.Helper()
	product, err := store.CreateProduct(context.Background(), db, sku, "Product "+sku, "Test", decimal.NewFromInt(price), stock)
	if err != nil {
		t.Fatalf("Create product %s: %v", sku, err)
	}
	return product
}

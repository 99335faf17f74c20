package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/models"
)

const addressColumns = `id, user_id, title, full_address, city, district, postal_code, country, phone_number, is_default, is_active, created_at, updated_at`

type CreateAddressRequest struct {
	Title       string `json:"title"`
	FullAddress string `json:"full_address"`
	City        string `json:"city"`
	District    string `json:"district"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phone_number"`
	IsDefault   bool   `json:"is_default"`
}

func scanAddress(row interface{ Scan(...any) error }) (*models.Address, error) {
	address := &models.Address{}
	var phone sql.NullString
	err := row.Scan(
		&address.ID,
		&address.UserID,
		&address.Title,
		&address.FullAddress,
		&address.City,
		&address.District,
		&address.PostalCode,
		&address.Country,
		&phone,
		&address.IsDefault,
		&address.IsActive,
		&address.CreatedAt,
		&address.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	address.PhoneNumber = phone.String
	return address, nil
}

// lockUserAddresses serializes default-flag mutations for one user by
// locking every active address row the user owns. Concurrent setters for
// the same user queue behind the lock instead of racing the
// clear-then-set sequence.
func lockUserAddresses(ctx context.Context, tx *sql.Tx, userID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM addresses
		 WHERE user_id = $1 AND is_active
		 ORDER BY id
		 FOR UPDATE`,
		userID)
	if err != nil {
		return fmt.Errorf("lock user addresses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan locked address: %w", err)
		}
	}
	return rows.Err()
}

func clearDefaultAddresses(ctx context.Context, tx *sql.Tx, userID, exceptID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE addresses
		 SET is_default = FALSE, updated_at = NOW()
		 WHERE user_id = $1 AND is_default AND is_active AND id <> $2`,
		userID, exceptID)
	if err != nil {
		return fmt.Errorf("clear default addresses: %w", err)
	}
	return nil
}

func CreateAddress(ctx context.Context, db *sql.DB, userID int64, req CreateAddressRequest) (*models.Address, error) {
	if req.Title == "" || req.FullAddress == "" || req.City == "" {
		return nil, &database.ValidationError{Field: "address", Reason: "title, full address and city are required"}
	}
	country := req.Country
	if country == "" {
		country = "Turkey"
	}

	var address *models.Address
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if req.IsDefault {
			if err := lockUserAddresses(ctx, tx, userID); err != nil {
				return err
			}
			if err := clearDefaultAddresses(ctx, tx, userID, 0); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO addresses (user_id, title, full_address, city, district, postal_code, country, phone_number, is_default, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, TRUE, NOW(), NOW())
			RETURNING ` + addressColumns

		var err error
		address, err = scanAddress(tx.QueryRowContext(ctx, query,
			userID, req.Title, req.FullAddress, req.City, req.District,
			req.PostalCode, country, req.PhoneNumber, req.IsDefault))
		if err != nil {
			return fmt.Errorf("create address: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return address, nil
}

// GetAddress returns an active address owned by userID. Missing, inactive
// and foreign rows all come back as ErrAddressNotFound.
func GetAddress(ctx context.Context, db *sql.DB, id, userID int64) (*models.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE id = $1 AND user_id = $2 AND is_active`

	address, err := scanAddress(db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get address: %w", err)
	}

	return address, nil
}

func ListAddresses(ctx context.Context, db *sql.DB, userID int64) ([]models.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at DESC`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var addresses []models.Address
	for rows.Next() {
		address, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, *address)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return addresses, nil
}

// SetDefaultAddress makes addressID the user's only default address.
// Whatever the flag state was before the call, afterwards exactly one
// active address for the user carries is_default.
func SetDefaultAddress(ctx context.Context, db *sql.DB, userID, addressID int64) (*models.Address, error) {
	var address *models.Address
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := lockUserAddresses(ctx, tx, userID); err != nil {
			return err
		}

		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM addresses WHERE id = $1 AND user_id = $2 AND is_active)`,
			addressID, userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check address: %w", err)
		}
		if !exists {
			return database.ErrAddressNotFound
		}

		if err := clearDefaultAddresses(ctx, tx, userID, addressID); err != nil {
			return err
		}

		query := `
			UPDATE addresses
			SET is_default = TRUE, updated_at = NOW()
			WHERE id = $1 AND user_id = $2 AND is_active
			RETURNING ` + addressColumns

		address, err = scanAddress(tx.QueryRowContext(ctx, query, addressID, userID))
		if err != nil {
			return fmt.Errorf("set default address: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return address, nil
}

// DeleteAddress soft-deletes; the row stays for orders that reference it.
func DeleteAddress(ctx context.Context, db *sql.DB, userID, addressID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE addresses
		 SET is_active = FALSE, is_default = FALSE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND is_active`,
		addressID, userID)
	if err != nil {
		return fmt.Errorf("delete address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrAddressNotFound
	}

	return nil
}

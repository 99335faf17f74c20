package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/models"
)

const paymentMethodColumns = `id, user_id, type, card_holder_name, card_number_masked, card_fingerprint, expiry_month, expiry_year, bank_name, account_masked, is_default, is_active, created_at, updated_at`

const (
	PaymentTypeCreditCard   = "credit_card"
	PaymentTypeDebitCard    = "debit_card"
	PaymentTypeBankTransfer = "bank_transfer"
)

type CreatePaymentMethodRequest struct {
	Type           string
	CardHolderName string
	CardNumber     string
	ExpiryMonth    int
	ExpiryYear     int
	BankName       string
	AccountNumber  string
	IsDefault      bool
}

// MaskCardNumber keeps only the last four digits. Raw numbers are never
// stored or returned.
func MaskCardNumber(cardNumber string) string {
	digits := strings.ReplaceAll(cardNumber, " ", "")
	if len(digits) < 4 {
		return "****"
	}
	return "**** **** **** " + digits[len(digits)-4:]
}

func MaskAccountNumber(accountNumber string) string {
	if len(accountNumber) < 4 {
		return "****"
	}
	return "****" + accountNumber[len(accountNumber)-4:]
}

// CardFingerprint is a salted SHA-256 digest used to detect duplicate cards
// without holding the number itself.
func CardFingerprint(cardNumber string) string {
	digits := strings.ReplaceAll(cardNumber, " ", "")
	sum := sha256.Sum256([]byte(digits + ":card-fp-v1"))
	return hex.EncodeToString(sum[:])
}

func scanPaymentMethod(row interface{ Scan(...any) error }) (*models.PaymentMethod, error) {
	pm := &models.PaymentMethod{}
	var holder, masked, fingerprint, bank, account sql.NullString
	var month, year sql.NullInt64
	err := row.Scan(
		&pm.ID,
		&pm.UserID,
		&pm.Type,
		&holder,
		&masked,
		&fingerprint,
		&month,
		&year,
		&bank,
		&account,
		&pm.IsDefault,
		&pm.IsActive,
		&pm.CreatedAt,
		&pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pm.CardHolderName = holder.String
	pm.CardNumberMasked = masked.String
	pm.CardFingerprint = fingerprint.String
	pm.ExpiryMonth = int(month.Int64)
	pm.ExpiryYear = int(year.Int64)
	pm.BankName = bank.String
	pm.AccountMasked = account.String
	return pm, nil
}

func lockUserPaymentMethods(ctx context.Context, tx *sql.Tx, userID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM payment_methods
		 WHERE user_id = $1 AND is_active
		 ORDER BY id
		 FOR UPDATE`,
		userID)
	if err != nil {
		return fmt.Errorf("lock user payment methods: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan locked payment method: %w", err)
		}
	}
	return rows.Err()
}

func clearDefaultPaymentMethods(ctx context.Context, tx *sql.Tx, userID, exceptID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payment_methods
		 SET is_default = FALSE, updated_at = NOW()
		 WHERE user_id = $1 AND is_default AND is_active AND id <> $2`,
		userID, exceptID)
	if err != nil {
		return fmt.Errorf("clear default payment methods: %w", err)
	}
	return nil
}

func validatePaymentMethod(req CreatePaymentMethodRequest) error {
	switch req.Type {
	case PaymentTypeCreditCard, PaymentTypeDebitCard:
		if req.CardHolderName == "" || req.CardNumber == "" {
			return &database.ValidationError{Field: "card", Reason: "holder name and number are required"}
		}
		if req.ExpiryMonth < 1 || req.ExpiryMonth > 12 {
			return &database.ValidationError{Field: "expiry_month", Reason: "must be between 1 and 12"}
		}
		// A card stays valid through the last day of its expiry month.
		now := time.Now().UTC()
		if req.ExpiryYear < now.Year() ||
			(req.ExpiryYear == now.Year() && req.ExpiryMonth < int(now.Month())) {
			return &database.ValidationError{Field: "expiry", Reason: "card is expired"}
		}
	case PaymentTypeBankTransfer:
		if req.BankName == "" || req.AccountNumber == "" {
			return &database.ValidationError{Field: "bank", Reason: "bank name and account number are required"}
		}
	default:
		return &database.ValidationError{Field: "type", Reason: "unknown payment method type " + req.Type}
	}
	return nil
}

func CreatePaymentMethod(ctx context.Context, db *sql.DB, userID int64, req CreatePaymentMethodRequest) (*models.PaymentMethod, error) {
	if err := validatePaymentMethod(req); err != nil {
		return nil, err
	}

	var cardMasked, cardFingerprint, accountMasked string
	if req.CardNumber != "" {
		cardMasked = MaskCardNumber(req.CardNumber)
		cardFingerprint = CardFingerprint(req.CardNumber)
	}
	if req.AccountNumber != "" {
		accountMasked = MaskAccountNumber(req.AccountNumber)
	}

	var pm *models.PaymentMethod
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if req.IsDefault {
			if err := lockUserPaymentMethods(ctx, tx, userID); err != nil {
				return err
			}
			if err := clearDefaultPaymentMethods(ctx, tx, userID, 0); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO payment_methods (user_id, type, card_holder_name, card_number_masked, card_fingerprint, expiry_month, expiry_year, bank_name, account_masked, is_default, is_active, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, ''), NULLIF($9, ''), $10, TRUE, NOW(), NOW())
			RETURNING ` + paymentMethodColumns

		var err error
		pm, err = scanPaymentMethod(tx.QueryRowContext(ctx, query,
			userID, req.Type, req.CardHolderName, cardMasked, cardFingerprint,
			req.ExpiryMonth, req.ExpiryYear, req.BankName, accountMasked, req.IsDefault))
		if err != nil {
			return fmt.Errorf("create payment method: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return pm, nil
}

func GetPaymentMethod(ctx context.Context, db *sql.DB, id, userID int64) (*models.PaymentMethod, error) {
	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE id = $1 AND user_id = $2 AND is_active`

	pm, err := scanPaymentMethod(db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentMethodNotFound
		}
		return nil, fmt.Errorf("get payment method: %w", err)
	}

	return pm, nil
}

func ListPaymentMethods(ctx context.Context, db *sql.DB, userID int64) ([]models.PaymentMethod, error) {
	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at DESC`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []models.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment method: %w", err)
		}
		methods = append(methods, *pm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return methods, nil
}

// SetDefaultPaymentMethod mirrors SetDefaultAddress: per-user row lock,
// clear-then-set, exactly one default at rest.
func SetDefaultPaymentMethod(ctx context.Context, db *sql.DB, userID, paymentMethodID int64) (*models.PaymentMethod, error) {
	var pm *models.PaymentMethod
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := lockUserPaymentMethods(ctx, tx, userID); err != nil {
			return err
		}

		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_methods WHERE id = $1 AND user_id = $2 AND is_active)`,
			paymentMethodID, userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check payment method: %w", err)
		}
		if !exists {
			return database.ErrPaymentMethodNotFound
		}

		if err := clearDefaultPaymentMethods(ctx, tx, userID, paymentMethodID); err != nil {
			return err
		}

		query := `
			UPDATE payment_methods
			SET is_default = TRUE, updated_at = NOW()
			WHERE id = $1 AND user_id = $2 AND is_active
			RETURNING ` + paymentMethodColumns

		pm, err = scanPaymentMethod(tx.QueryRowContext(ctx, query, paymentMethodID, userID))
		if err != nil {
			return fmt.Errorf("set default payment method: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return pm, nil
}

func DeletePaymentMethod(ctx context.Context, db *sql.DB, userID, paymentMethodID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE payment_methods
		 SET is_active = FALSE, is_default = FALSE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND is_active`,
		paymentMethodID, userID)
	if err != nil {
		return fmt.Errorf("delete payment method: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrPaymentMethodNotFound
	}

	return nil
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kervan/go-commerce-store/internal/database"
)

func TestMaskCardNumber(t *testing.T) {
	assert.Equal(t, "**** **** **** 1111", MaskCardNumber("4111111111111111"))
	assert.Equal(t, "**** **** **** 1111", MaskCardNumber("4111 1111 1111 1111"))
	assert.Equal(t, "****", MaskCardNumber("12"))
}

func TestMaskAccountNumber(t *testing.T) {
	assert.Equal(t, "****5678", MaskAccountNumber("TR000012345678"))
	assert.Equal(t, "****", MaskAccountNumber("12"))
}

func TestCardFingerprint(t *testing.T) {
	fp1 := CardFingerprint("4111111111111111")
	fp2 := CardFingerprint("4111 1111 1111 1111")
	fp3 := CardFingerprint("5500000000000004")

	assert.Len(t, fp1, 64)
	assert.Equal(t, fp1, fp2, "spacing must not change the fingerprint")
	assert.NotEqual(t, fp1, fp3)
	assert.NotContains(t, fp1, "4111", "fingerprint must not leak digits")
}

func TestValidatePaymentMethod(t *testing.T) {
	err := validatePaymentMethod(CreatePaymentMethodRequest{Type: "crypto"})
	assert.ErrorIs(t, err, database.ErrValidation)

	err = validatePaymentMethod(CreatePaymentMethodRequest{
		Type:           PaymentTypeCreditCard,
		CardHolderName: "A B",
		CardNumber:     "4111111111111111",
		ExpiryMonth:    13,
		ExpiryYear:     2030,
	})
	assert.ErrorIs(t, err, database.ErrValidation)

	err = validatePaymentMethod(CreatePaymentMethodRequest{
		Type:     PaymentTypeBankTransfer,
		BankName: "Bank",
	})
	assert.ErrorIs(t, err, database.ErrValidation)

	err = validatePaymentMethod(CreatePaymentMethodRequest{
		Type:           PaymentTypeCreditCard,
		CardHolderName: "A B",
		CardNumber:     "4111111111111111",
		ExpiryMonth:    12,
		ExpiryYear:     2030,
	})
	assert.NoError(t, err)
}

func TestValidatePaymentMethodExpiry(t *testing.T) {
	now := time.Now().UTC()
	card := func(month, year int) CreatePaymentMethodRequest {
		return CreatePaymentMethodRequest{
			Type:           PaymentTypeCreditCard,
			CardHolderName: "A B",
			CardNumber:     "4111111111111111",
			ExpiryMonth:    month,
			ExpiryYear:     year,
		}
	}

	assert.ErrorIs(t, validatePaymentMethod(card(int(now.Month()), now.Year()-1)), database.ErrValidation)
	assert.ErrorIs(t, validatePaymentMethod(card(12, now.Year()-2)), database.ErrValidation)

	// Valid through the end of the current month.
	assert.NoError(t, validatePaymentMethod(card(int(now.Month()), now.Year())))
	assert.NoError(t, validatePaymentMethod(card(1, now.Year()+1)))
}

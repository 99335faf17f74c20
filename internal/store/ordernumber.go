package store

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newOrderNumber is a seam so tests can force collisions.
var newOrderNumber = generateOrderNumber

// generateOrderNumber produces ORD-<UTC yyyyMMdd>-<8 uppercase hex chars>.
// 32 bits of randomness per day is not collision-proof; the unique
// constraint on orders.order_number plus bounded regeneration in
// CreateOrder covers the remainder.
func generateOrderNumber() string {
	id := uuid.New()
	suffix := strings.ToUpper(hex.EncodeToString(id[:4]))
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}

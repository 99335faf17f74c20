package store

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateOrderNumberFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD-\d{8}-[0-9A-F]{8}$`)

	for i := 0; i < 100; i++ {
		number := generateOrderNumber()
		assert.Regexp(t, pattern, number)
		assert.True(t, strings.HasPrefix(number, "ORD-"+time.Now().UTC().Format("20060102")))
	}
}

func TestGenerateOrderNumberVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		seen[generateOrderNumber()] = true
	}
	// 32 bits of randomness: 1000 draws colliding entirely would mean the
	// generator is broken, not unlucky.
	assert.Greater(t, len(seen), 990)
}

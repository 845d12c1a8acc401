package orders

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const numberDigits = 12

// NewOrderNumber draws a random fixed-width numeric order number. Uniqueness
// is enforced by the database; callers retry on collision.
func NewOrderNumber() (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(numberDigits), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating order number: %w", err)
	}
	return fmt.Sprintf("%0*d", numberDigits, n), nil
}

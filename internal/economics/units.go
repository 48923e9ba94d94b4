package economics

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// DefaultDecimals is the unit scale of the native currency (wei).
const DefaultDecimals int32 = 18

// ToUnits converts a human-entered decimal string into integer units,
// floor(value * 10^decimals). This is the only place in the system where
// precision is dropped: digits beyond the unit scale are truncated.
func ToUnits(input string, decimals int32) (*big.Int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, fmt.Errorf("economics: to units: %w", domain.ErrNilAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("economics: to units %q: %w", input, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("economics: to units %q: %w", input, domain.ErrNegativeAmount)
	}
	return d.Shift(decimals).Floor().BigInt(), nil
}

// FormatUnits renders an integer amount as a decimal string for display.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseDecimal converts a NUMERIC selected as ::text back into a decimal.
// Empty means the column was NULL and decodes as zero.
func parseDecimal(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return value, nil
}

// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatCurrency formats an amount with thousands separators and two decimals.
func FormatCurrency(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	str := amount.Abs().StringFixed(2)
	parts := strings.Split(str, ".")

	result := "$" + groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas into an integer string.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats a profit or loss with an explicit sign.
func FormatPnL(pnl decimal.Decimal) string {
	formatted := FormatCurrency(pnl)
	if pnl.IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a share quantity, trimming trailing zeros.
func FormatQuantity(qty decimal.Decimal) string {
	whole := qty.Truncate(0)
	if qty.Equal(whole) {
		return groupThousands(whole.Abs().String())
	}
	return qty.String()
}

package validation

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxCreditAmount caps a single grant or top-up.
const MaxCreditAmount = 1_000_000

// ValidateCreditAmount checks a credit grant or top-up size
func ValidateCreditAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if amount > MaxCreditAmount {
		return fmt.Errorf("amount %d exceeds the maximum of %d", amount, MaxCreditAmount)
	}
	return nil
}

// ValidateAutoRecharge checks an auto-recharge top-up amount and trigger threshold.
// The top-up must exceed the threshold.
func ValidateAutoRecharge(amount, threshold int64) error {
	if err := ValidateCreditAmount(amount); err != nil {
		return fmt.Errorf("invalid auto-recharge amount: %w", err)
	}
	if threshold < 0 {
		return fmt.Errorf("threshold cannot be negative, got %d", threshold)
	}
	if amount <= threshold {
		return fmt.Errorf("amount %d must be greater than threshold %d", amount, threshold)
	}
	return nil
}

// ParseAmount parses a user-typed credit amount such as "100" or "1_000".
func ParseAmount(s string) (int64, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if normalized == "" {
		return 0, fmt.Errorf("amount cannot be empty")
	}
	amount, err := strconv.ParseInt(normalized, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if err := ValidateCreditAmount(amount); err != nil {
		return 0, err
	}
	return amount, nil
}

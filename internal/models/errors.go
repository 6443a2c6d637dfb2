package models

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountBanned      = errors.New("account is banned")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnroutableReply    = errors.New("reply cannot be routed to an account")
	ErrRelayFailed        = errors.New("relay to operator failed")
	ErrDeliveryFailed     = errors.New("delivery to account failed")
	ErrThreadCreation     = errors.New("thread creation rejected")
	ErrThreadGone         = errors.New("thread no longer exists")
	ErrDuplicateEvent     = errors.New("payment event already processed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNoInstrument       = errors.New("no saved payment instrument")
)

// InsufficientFundsError carries the price that could not be paid.
type InsufficientFundsError struct {
	Cost    int64
	Balance int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: cost %d, balance %d", e.Cost, e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IsPermanent reports whether err is a domain outcome that retrying cannot change.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrThreadGone) ||
		errors.Is(err, ErrInvalidAmount)
}

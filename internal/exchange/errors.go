package exchange

import (
	"errors"
	"fmt"
)

var (
	ErrBelowMinimum          = errors.New("amount below minimum")
	ErrInvoiceCreationFailed = errors.New("invoice creation failed")
	ErrDuplicateNotification = errors.New("duplicate payment notification")
	ErrInvalidCurrency       = errors.New("invalid currency")
	ErrDisbursementFailed    = errors.New("disbursement failed")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrConflict              = errors.New("concurrent session update")

	ErrExchangeInProgress  = errors.New("exchange already in progress")
	ErrNoPendingInvoice    = errors.New("no pending invoice")
	ErrInvalidNotification = errors.New("invalid payment notification")
	ErrInvalidWallet       = errors.New("invalid wallet address")
)

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// IsDisbursementError reports whether err means the payment was captured but
// the payout did not go through
func IsDisbursementError(err error) bool {
	return errors.Is(err, ErrDisbursementFailed) || errors.Is(err, ErrInsufficientFunds)
}

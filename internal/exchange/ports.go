package exchange

import (
	"context"
	"time"
)

// UpdateFunc mutates a session copy inside CompareAndSwap. Returning an error
// aborts the write.
type UpdateFunc func(s *Session) error

// Store keeps one session per user.
//
// CompareAndSwap is the only mutation. It loads the session of userKey (or a
// fresh idle one), fails with ErrConflict when its state is not expected,
// applies update and persists the result atomically. When update sets a
// ChargeID different from the stored one the store claims it in the global
// charge set as part of the same atomic step and fails with
// ErrDuplicateNotification if the id was claimed before.
type Store interface {
	Get(ctx context.Context, userKey int64) (Session, bool, error)
	CompareAndSwap(ctx context.Context, userKey int64, expected State, update UpdateFunc) (Session, error)
	ChargeRecorded(ctx context.Context, chargeID string) (bool, error)
	ListByState(ctx context.Context, state State, updatedBefore time.Time) ([]Session, error)
}

// InvoiceGateway creates payable Stars invoices
type InvoiceGateway interface {
	CreateInvoice(ctx context.Context, userKey int64, stars int64, description string) (Invoice, error)
}

// Disburser sends USDT to users. Repeated calls with the same idempotency key
// must not pay twice.
type Disburser interface {
	Send(ctx context.Context, d Disbursement) (transactionID string, err error)
}

// FailureReporter is told about captured payments that were not paid out
type FailureReporter interface {
	ExchangeFailed(ctx context.Context, s Session)
	PaymentUnmatched(ctx context.Context, userKey int64, n Notification)
}

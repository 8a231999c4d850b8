package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the position of a session in the exchange state machine
type State string

const (
	StateIdle            State = "idle"
	StateInvoiced        State = "invoiced"
	StatePaymentReceived State = "payment_received"
	StateDisbursed       State = "disbursed"
	StateFailed          State = "failed"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateInvoiced, StatePaymentReceived, StateDisbursed, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the current cycle has finished
func (s State) Terminal() bool {
	return s == StateDisbursed || s == StateFailed
}

// Session is the exchange record kept for one user
type Session struct {
	UserKey          int64
	State            State
	StarsRequested   int64
	USDTAmount       decimal.Decimal // zero until the payment is confirmed
	PaymentReference string          // invoice payload
	InvoiceURL       string
	ChargeID         string
	DisbursementID   string
	FailureReason    string
	WalletAddress    string // raw 0:... form, empty means the Telegram wallet
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewSession returns the implicit idle session of a user that has no record yet
func NewSession(userKey int64, now time.Time) Session {
	return Session{
		UserKey:   userKey,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// resetCycle clears the working fields of a finished cycle
func (s *Session) resetCycle() {
	s.StarsRequested = 0
	s.USDTAmount = decimal.Zero
	s.PaymentReference = ""
	s.InvoiceURL = ""
	s.ChargeID = ""
	s.DisbursementID = ""
	s.FailureReason = ""
}

// Notification is a validated payment confirmation from the provider
type Notification struct {
	Currency  string
	Amount    int64 // stars actually paid
	ChargeID  string
	Reference string // invoice payload echoed back, optional
}

// Validate checks the fields every notification must carry
func (n Notification) Validate() error {
	switch {
	case n.ChargeID == "":
		return wrapf(ErrInvalidNotification, "missing charge id")
	case n.Currency == "":
		return wrapf(ErrInvalidNotification, "missing currency")
	case n.Amount <= 0:
		return wrapf(ErrInvalidNotification, "non-positive amount %d", n.Amount)
	}
	return nil
}

// Invoice is what the gateway hands back for a created invoice
type Invoice struct {
	Reference string
	URL       string
}

// Disbursement describes one USDT transfer request
type Disbursement struct {
	UserKey        int64
	Amount         decimal.Decimal
	IdempotencyKey string
	Wallet         string
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const maxSwapAttempts = 3

// Config holds the exchange policy. It is read-only after New.
type Config struct {
	ConversionRate decimal.Decimal // stars per 1 USDT
	MinAmount      int64           // stars
	Currency       string          // provider currency code of stars
	InvoiceTTL     time.Duration   // an unpaid invoice older than this may be re-issued, 0 disables
}

// Orchestrator drives one exchange per user from invoice to payout
type Orchestrator struct {
	cfg      Config
	store    Store
	invoices InvoiceGateway
	ledger   Disburser
	reporter FailureReporter
	log      *slog.Logger
	now      func() time.Time
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithFailureReporter sets who is told about captured payments without payout
func WithFailureReporter(r FailureReporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator
func New(cfg Config, store Store, invoices InvoiceGateway, ledger Disburser, log *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if !cfg.ConversionRate.IsPositive() {
		return nil, fmt.Errorf("conversion rate must be positive, got %s", cfg.ConversionRate)
	}
	if cfg.MinAmount <= 0 {
		return nil, fmt.Errorf("minimum amount must be positive, got %d", cfg.MinAmount)
	}
	if cfg.Currency == "" {
		return nil, errors.New("stars currency code is required")
	}
	if store == nil || invoices == nil || ledger == nil {
		return nil, errors.New("store, invoice gateway and disburser are required")
	}
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		invoices: invoices,
		ledger:   ledger,
		reporter: nopReporter{},
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the policy the orchestrator runs with
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Convert returns the USDT equivalent of a stars amount
func (o *Orchestrator) Convert(stars int64) decimal.Decimal {
	return decimal.NewFromInt(stars).Div(o.cfg.ConversionRate)
}

// Initiate issues an invoice for stars and moves the session to Invoiced.
// On ErrExchangeInProgress the returned session carries the pending invoice.
func (o *Orchestrator) Initiate(ctx context.Context, userKey, stars int64) (Session, error) {
	if stars < o.cfg.MinAmount {
		return Session{}, wrapf(ErrBelowMinimum, "%d < %d", stars, o.cfg.MinAmount)
	}

	current, err := o.Status(ctx, userKey)
	if err != nil {
		return Session{}, err
	}
	if !o.canInitiate(current) {
		return current, fmt.Errorf("initiate: %w", ErrExchangeInProgress)
	}

	invoice, err := o.invoices.CreateInvoice(ctx, userKey, stars, o.invoiceDescription(stars))
	if err != nil {
		o.log.Error("create invoice", "user_id", userKey, "stars", stars, "error", err)
		if !errors.Is(err, ErrInvoiceCreationFailed) {
			err = fmt.Errorf("%w: %v", ErrInvoiceCreationFailed, err)
		}
		return current, err
	}

	expected := current.State
	for attempt := 1; ; attempt++ {
		s, err := o.store.CompareAndSwap(ctx, userKey, expected, func(s *Session) error {
			if !o.canInitiate(*s) {
				return ErrExchangeInProgress
			}
			s.resetCycle()
			s.State = StateInvoiced
			s.StarsRequested = stars
			s.PaymentReference = invoice.Reference
			s.InvoiceURL = invoice.URL
			s.UpdatedAt = o.now()
			return nil
		})
		if err == nil {
			o.log.Info("invoice issued",
				"user_id", userKey,
				"stars", stars,
				"reference", invoice.Reference,
			)
			return s, nil
		}
		if !errors.Is(err, ErrConflict) || attempt == maxSwapAttempts {
			return current, fmt.Errorf("initiate: %w", err)
		}

		latest, err := o.Status(ctx, userKey)
		if err != nil {
			return current, err
		}
		if !o.canInitiate(latest) {
			return latest, fmt.Errorf("initiate: %w", ErrExchangeInProgress)
		}
		expected = latest.State
	}
}

// OnPaymentNotification records a confirmed payment and pays out the USDT
// equivalent of the received amount
func (o *Orchestrator) OnPaymentNotification(ctx context.Context, userKey int64, n Notification) (Session, error) {
	if err := n.Validate(); err != nil {
		return Session{}, err
	}
	log := o.log.With("user_id", userKey, "charge_id", n.ChargeID)

	seen, err := o.store.ChargeRecorded(ctx, n.ChargeID)
	if err != nil {
		return Session{}, fmt.Errorf("check charge: %w", err)
	}
	if seen {
		log.Info("duplicate payment notification")
		return Session{}, fmt.Errorf("charge %s: %w", n.ChargeID, ErrDuplicateNotification)
	}
	if n.Currency != o.cfg.Currency {
		return Session{}, wrapf(ErrInvalidCurrency, "got %q, want %q", n.Currency, o.cfg.Currency)
	}

	usdt := o.Convert(n.Amount)
	received, err := o.markReceived(ctx, userKey, n, usdt, log)
	if err != nil {
		return received, err
	}
	log.Info("payment received", "stars", n.Amount, "usdt", usdt.String())

	txID, err := o.ledger.Send(ctx, Disbursement{
		UserKey:        userKey,
		Amount:         usdt,
		IdempotencyKey: n.ChargeID,
		Wallet:         received.WalletAddress,
	})
	if err != nil {
		if !IsDisbursementError(err) {
			err = fmt.Errorf("%w: %v", ErrDisbursementFailed, err)
		}
		log.Error("disbursement failed", "usdt", usdt.String(), "error", err)

		reason := err.Error()
		failed, ferr := o.advance(ctx, userKey, StatePaymentReceived, func(s *Session) {
			s.State = StateFailed
			s.FailureReason = reason
		})
		if ferr != nil {
			log.Error("record failed disbursement", "error", ferr)
			o.reporter.ExchangeFailed(ctx, received)
			return received, errors.Join(err, ferr)
		}
		o.reporter.ExchangeFailed(ctx, failed)
		return failed, err
	}

	done, err := o.advance(ctx, userKey, StatePaymentReceived, func(s *Session) {
		s.State = StateDisbursed
		s.DisbursementID = txID
	})
	if err != nil {
		// The payout went through; only the bookkeeping is missing.
		log.Error("record disbursement", "transaction_id", txID, "error", err)
		return received, err
	}
	log.Info("exchange completed", "usdt", usdt.String(), "transaction_id", txID)
	return done, nil
}

// Status returns the session of a user, an unknown user is idle
func (o *Orchestrator) Status(ctx context.Context, userKey int64) (Session, error) {
	s, ok, err := o.store.Get(ctx, userKey)
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return NewSession(userKey, o.now()), nil
	}
	return s, nil
}

// SetWallet stores the raw TON address payouts go to. It is refused while a
// confirmed payment is being paid out.
func (o *Orchestrator) SetWallet(ctx context.Context, userKey int64, rawAddress string) (Session, error) {
	if rawAddress == "" {
		return Session{}, ErrInvalidWallet
	}

	for attempt := 1; ; attempt++ {
		current, err := o.Status(ctx, userKey)
		if err != nil {
			return Session{}, err
		}
		if current.State == StatePaymentReceived {
			return current, fmt.Errorf("set wallet: %w", ErrExchangeInProgress)
		}

		s, err := o.store.CompareAndSwap(ctx, userKey, current.State, func(s *Session) error {
			s.WalletAddress = rawAddress
			s.UpdatedAt = o.now()
			return nil
		})
		if err == nil {
			o.log.Info("wallet set", "user_id", userKey, "address", rawAddress)
			return s, nil
		}
		if !errors.Is(err, ErrConflict) || attempt == maxSwapAttempts {
			return current, fmt.Errorf("set wallet: %w", err)
		}
	}
}

func (o *Orchestrator) markReceived(ctx context.Context, userKey int64, n Notification, usdt decimal.Decimal, log *slog.Logger) (Session, error) {
	for attempt := 1; ; attempt++ {
		s, err := o.store.CompareAndSwap(ctx, userKey, StateInvoiced, func(s *Session) error {
			if n.Reference != "" && n.Reference != s.PaymentReference {
				log.Warn("payment reference differs from pending invoice",
					"reference", n.Reference,
					"expected", s.PaymentReference,
				)
			}
			s.State = StatePaymentReceived
			s.ChargeID = n.ChargeID
			s.USDTAmount = usdt
			s.UpdatedAt = o.now()
			return nil
		})
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrDuplicateNotification) {
			log.Info("duplicate payment notification")
			return Session{}, fmt.Errorf("charge %s: %w", n.ChargeID, err)
		}
		if !errors.Is(err, ErrConflict) {
			return Session{}, fmt.Errorf("record payment: %w", err)
		}

		latest, gerr := o.Status(ctx, userKey)
		if gerr != nil {
			return Session{}, gerr
		}
		switch {
		case latest.ChargeID == n.ChargeID, latest.State == StatePaymentReceived:
			log.Info("payment notification lost the race", "state", latest.State)
			return latest, fmt.Errorf("charge %s: %w", n.ChargeID, ErrDuplicateNotification)
		case latest.State != StateInvoiced:
			log.Error("payment without pending invoice", "state", latest.State, "stars", n.Amount)
			o.reporter.PaymentUnmatched(ctx, userKey, n)
			return latest, fmt.Errorf("charge %s in state %s: %w", n.ChargeID, latest.State, ErrNoPendingInvoice)
		}
		if attempt == maxSwapAttempts {
			return latest, fmt.Errorf("record payment: %w", err)
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, userKey int64, from State, apply func(s *Session)) (Session, error) {
	var err error
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		var s Session
		s, err = o.store.CompareAndSwap(ctx, userKey, from, func(s *Session) error {
			apply(s)
			s.UpdatedAt = o.now()
			return nil
		})
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	return Session{}, fmt.Errorf("advance from %s: %w", from, err)
}

func (o *Orchestrator) canInitiate(s Session) bool {
	switch s.State {
	case StateIdle, StateFailed, StateDisbursed:
		return true
	case StateInvoiced:
		return o.cfg.InvoiceTTL > 0 && o.now().Sub(s.UpdatedAt) >= o.cfg.InvoiceTTL
	}
	return false
}

func (o *Orchestrator) invoiceDescription(stars int64) string {
	return fmt.Sprintf("Обмен %d звёзд на %s USDT", stars, o.Convert(stars).String())
}

type nopReporter struct{}

func (nopReporter) ExchangeFailed(context.Context, Session) {}

func (nopReporter) PaymentUnmatched(context.Context, int64, Notification) {}

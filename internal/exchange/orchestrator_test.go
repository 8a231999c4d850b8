package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/exchange"
	"github.com/suspectuso/stars-exchange/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGateway) CreateInvoice(_ context.Context, userKey, stars int64, _ string) (exchange.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return exchange.Invoice{}, g.err
	}
	ref := fmt.Sprintf("ref-%d-%d-%d", userKey, stars, g.calls)
	return exchange.Invoice{Reference: ref, URL: "https://t.me/$" + ref}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeDisburser struct {
	mu    sync.Mutex
	sent  []exchange.Disbursement
	err   error
	delay time.Duration
}

func (d *fakeDisburser) Send(_ context.Context, req exchange.Disbursement) (string, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, req)
	if d.err != nil {
		return "", d.err
	}
	return "tx-" + req.IdempotencyKey, nil
}

func (d *fakeDisburser) requests() []exchange.Disbursement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]exchange.Disbursement(nil), d.sent...)
}

type fakeReporter struct {
	mu        sync.Mutex
	failed    []exchange.Session
	unmatched []exchange.Notification
}

func (r *fakeReporter) ExchangeFailed(_ context.Context, s exchange.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, s)
}

func (r *fakeReporter) PaymentUnmatched(_ context.Context, _ int64, n exchange.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmatched = append(r.unmatched, n)
}

type fixture struct {
	orch     *exchange.Orchestrator
	store    *storage.Memory
	gateway  *fakeGateway
	ledger   *fakeDisburser
	reporter *fakeReporter
	now      time.Time
}

func newFixture(t *testing.T, mutate ...func(c *exchange.Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		gateway:  &fakeGateway{},
		ledger:   &fakeDisburser{},
		reporter: &fakeReporter{},
		now:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := exchange.Config{
		ConversionRate: decimal.NewFromInt(100),
		MinAmount:      100,
		Currency:       "XTR",
		InvoiceTTL:     time.Hour,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orch, err := exchange.New(cfg, f.store, f.gateway, f.ledger, discard,
		exchange.WithFailureReporter(f.reporter),
		exchange.WithClock(func() time.Time { return f.now }),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func paid(stars int64, chargeID string) exchange.Notification {
	return exchange.Notification{Currency: "XTR", Amount: stars, ChargeID: chargeID}
}

func TestNewValidatesConfig(t *testing.T) {
	store := storage.NewMemory()
	good := exchange.Config{ConversionRate: decimal.NewFromInt(100), MinAmount: 100, Currency: "XTR"}

	tests := []struct {
		name   string
		mutate func(c *exchange.Config)
	}{
		{"zero rate", func(c *exchange.Config) { c.ConversionRate = decimal.Zero }},
		{"negative rate", func(c *exchange.Config) { c.ConversionRate = decimal.NewFromInt(-1) }},
		{"zero minimum", func(c *exchange.Config) { c.MinAmount = 0 }},
		{"no currency", func(c *exchange.Config) { c.Currency = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := good
			tt.mutate(&cfg)
			if _, err := exchange.New(cfg, store, &fakeGateway{}, &fakeDisburser{}, discard); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := exchange.New(good, nil, &fakeGateway{}, &fakeDisburser{}, discard); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := exchange.New(good, store, &fakeGateway{}, &fakeDisburser{}, nil); err != nil {
		t.Fatalf("nil logger should fall back to default: %v", err)
	}
}

func TestConvert(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		stars int64
		want  string
	}{
		{100, "1"},
		{250, "2.5"},
		{101, "1.01"},
		{1, "0.01"},
	}
	for _, tt := range tests {
		if got := f.orch.Convert(tt.stars); !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Convert(%d) = %s, want %s", tt.stars, got, tt.want)
		}
	}
}

func TestInitiateMinimum(t *testing.T) {
	tests := []struct {
		name    string
		stars   int64
		wantErr error
	}{
		{"zero", 0, exchange.ErrBelowMinimum},
		{"negative", -1, exchange.ErrBelowMinimum},
		{"one below minimum", 99, exchange.ErrBelowMinimum},
		{"half of minimum", 50, exchange.ErrBelowMinimum},
		{"exactly minimum", 100, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			s, err := f.orch.Initiate(ctx, 7, tt.stars)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if f.gateway.count() != 0 {
					t.Fatal("gateway must not be called below the minimum")
				}
				current, _ := f.orch.Status(ctx, 7)
				if current.State != exchange.StateIdle {
					t.Fatalf("expected idle, got %s", current.State)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.State != exchange.StateInvoiced || s.StarsRequested != tt.stars {
				t.Fatalf("unexpected session %+v", s)
			}
			if f.gateway.count() != 1 {
				t.Fatalf("expected 1 gateway call, got %d", f.gateway.count())
			}
		})
	}
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.orch.Initiate(ctx, 42, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != exchange.StateInvoiced || s.StarsRequested != 100 {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.PaymentReference == "" || s.InvoiceURL == "" {
		t.Fatalf("invoice not recorded: %+v", s)
	}

	status, err := f.orch.Status(ctx, 42)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != exchange.StateInvoiced || status.PaymentReference != s.PaymentReference {
		t.Fatalf("status does not reflect the invoice: %+v", status)
	}
}

func TestInitiateGatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("boom")

	_, err := f.orch.Initiate(context.Background(), 42, 100)
	if !errors.Is(err, exchange.ErrInvoiceCreationFailed) {
		t.Fatalf("expected ErrInvoiceCreationFailed, got %v", err)
	}
	s, _ := f.orch.Status(context.Background(), 42)
	if s.State != exchange.StateIdle {
		t.Fatalf("expected idle after gateway failure, got %s", s.State)
	}
}

func TestInitiateWhileInvoiced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Initiate(ctx, 42, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := f.orch.Initiate(ctx, 42, 200)
	if !errors.Is(err, exchange.ErrExchangeInProgress) {
		t.Fatalf("expected ErrExchangeInProgress, got %v", err)
	}
	if s.InvoiceURL != first.InvoiceURL {
		t.Fatal("pending invoice should be returned")
	}
	if f.gateway.count() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", f.gateway.count())
	}

	f.now = f.now.Add(2 * time.Hour)
	renewed, err := f.orch.Initiate(ctx, 42, 200)
	if err != nil {
		t.Fatalf("stale invoice should be re-issued: %v", err)
	}
	if renewed.StarsRequested != 200 || renewed.PaymentReference == first.PaymentReference {
		t.Fatalf("unexpected renewed session %+v", renewed)
	}
}

func TestInitiateZeroTTLNeverReissues(t *testing.T) {
	f := newFixture(t, func(c *exchange.Config) { c.InvoiceTTL = 0 })
	ctx := context.Background()

	first, err := f.orch.Initiate(ctx, 42, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.now = f.now.Add(30 * 24 * time.Hour)
	s, err := f.orch.Initiate(ctx, 42, 200)
	if !errors.Is(err, exchange.ErrExchangeInProgress) {
		t.Fatalf("expected ErrExchangeInProgress, got %v", err)
	}
	if s.PaymentReference != first.PaymentReference {
		t.Fatal("pending invoice should be kept")
	}
	if f.gateway.count() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", f.gateway.count())
	}
}

// user 42 pays 100 stars at rate 100 and receives 1 USDT
func TestExchangeCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Initiate(ctx, 42, 100); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	s, err := f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := f.ledger.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 disbursement, got %d", len(reqs))
	}
	if !reqs[0].Amount.Equal(decimal.NewFromInt(1)) || reqs[0].IdempotencyKey != "c1" || reqs[0].UserKey != 42 {
		t.Fatalf("unexpected disbursement %+v", reqs[0])
	}
	if s.State != exchange.StateDisbursed || s.DisbursementID != "tx-c1" || s.ChargeID != "c1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.USDTAmount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1 USDT recorded, got %s", s.USDTAmount)
	}
}

func TestPaidAmountDrivesPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	if _, err := f.orch.OnPaymentNotification(ctx, 42, paid(250, "c1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.ledger.requests()[0].Amount; !got.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected 2.5 USDT, got %s", got)
	}
}

func TestDuplicateNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	if _, err := f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if !errors.Is(err, exchange.ErrDuplicateNotification) {
		t.Fatalf("expected ErrDuplicateNotification, got %v", err)
	}
	if len(f.ledger.requests()) != 1 {
		t.Fatalf("expected exactly 1 disbursement, got %d", len(f.ledger.requests()))
	}
}

func TestDuplicateAcrossCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))

	if _, err := f.orch.Initiate(ctx, 42, 300); err != nil {
		t.Fatalf("new cycle after payout: %v", err)
	}
	_, err := f.orch.OnPaymentNotification(ctx, 42, paid(300, "c1"))
	if !errors.Is(err, exchange.ErrDuplicateNotification) {
		t.Fatalf("expected ErrDuplicateNotification, got %v", err)
	}
	s, _ := f.orch.Status(ctx, 42)
	if s.State != exchange.StateInvoiced {
		t.Fatalf("replayed charge must not touch the new cycle, got %s", s.State)
	}
}

func TestConcurrentNotifications(t *testing.T) {
	f := newFixture(t)
	f.ledger.delay = 10 * time.Millisecond
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, exchange.ErrDuplicateNotification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly 1 successful delivery, got %d", ok)
	}
	if len(f.ledger.requests()) != 1 {
		t.Fatalf("expected exactly 1 disbursement, got %d", len(f.ledger.requests()))
	}
}

func TestInvalidCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	n := paid(100, "c1")
	n.Currency = "USD"

	_, err := f.orch.OnPaymentNotification(ctx, 42, n)
	if !errors.Is(err, exchange.ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	s, _ := f.orch.Status(ctx, 42)
	if s.State != exchange.StateInvoiced {
		t.Fatalf("expected session to stay invoiced, got %s", s.State)
	}
	if len(f.ledger.requests()) != 0 {
		t.Fatal("nothing must be paid out for a foreign currency")
	}
	if recorded, _ := f.store.ChargeRecorded(ctx, "c1"); recorded {
		t.Fatal("rejected charge must not be recorded")
	}
}

func TestInvalidNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.Initiate(ctx, 42, 100)

	for _, n := range []exchange.Notification{
		{Currency: "XTR", Amount: 100},
		{Amount: 100, ChargeID: "c1"},
		{Currency: "XTR", ChargeID: "c1"},
	} {
		if _, err := f.orch.OnPaymentNotification(ctx, 42, n); !errors.Is(err, exchange.ErrInvalidNotification) {
			t.Fatalf("expected ErrInvalidNotification for %+v, got %v", n, err)
		}
	}
}

func TestNotificationWithoutInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.OnPaymentNotification(context.Background(), 42, paid(100, "c1"))
	if !errors.Is(err, exchange.ErrNoPendingInvoice) {
		t.Fatalf("expected ErrNoPendingInvoice, got %v", err)
	}
	if len(f.reporter.unmatched) != 1 {
		t.Fatalf("expected unmatched payment to be reported, got %d", len(f.reporter.unmatched))
	}
	if len(f.ledger.requests()) != 0 {
		t.Fatal("nothing must be paid out without a pending invoice")
	}
}

// the pool is empty: the payment is captured, the session fails and a
// redelivery does not retry the payout
func TestInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = fmt.Errorf("ledger: %w", exchange.ErrInsufficientFunds)
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	s, err := f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if s.State != exchange.StateFailed || s.FailureReason == "" || s.ChargeID != "c1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if len(f.reporter.failed) != 1 {
		t.Fatalf("expected the failure to be reported, got %d", len(f.reporter.failed))
	}

	_, err = f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if !errors.Is(err, exchange.ErrDuplicateNotification) {
		t.Fatalf("expected ErrDuplicateNotification, got %v", err)
	}
	if len(f.ledger.requests()) != 1 {
		t.Fatalf("disburser must not be called again, got %d calls", len(f.ledger.requests()))
	}
}

func TestUnclassifiedLedgerError(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("connection reset")
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	s, err := f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if !errors.Is(err, exchange.ErrDisbursementFailed) {
		t.Fatalf("expected ErrDisbursementFailed, got %v", err)
	}
	if s.State != exchange.StateFailed {
		t.Fatalf("expected failed, got %s", s.State)
	}
}

func TestNewCycleAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = exchange.ErrDisbursementFailed
	ctx := context.Background()

	f.orch.Initiate(ctx, 42, 100)
	f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))

	f.ledger.err = nil
	s, err := f.orch.Initiate(ctx, 42, 150)
	if err != nil {
		t.Fatalf("initiate after failure: %v", err)
	}
	if s.ChargeID != "" || s.FailureReason != "" || s.USDTAmount.IsPositive() {
		t.Fatalf("previous cycle leaked into the new one: %+v", s)
	}
	if _, err := f.orch.OnPaymentNotification(ctx, 42, paid(150, "c2")); err != nil {
		t.Fatalf("second cycle payment: %v", err)
	}
}

func TestSetWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := "0:" + fmt.Sprintf("%064x", 1)

	s, err := f.orch.SetWallet(ctx, 42, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.WalletAddress != raw || s.State != exchange.StateIdle {
		t.Fatalf("unexpected session %+v", s)
	}

	f.orch.Initiate(ctx, 42, 100)
	f.orch.OnPaymentNotification(ctx, 42, paid(100, "c1"))
	if got := f.ledger.requests()[0].Wallet; got != raw {
		t.Fatalf("payout should go to %q, got %q", raw, got)
	}

	if _, err := f.orch.SetWallet(ctx, 42, ""); !errors.Is(err, exchange.ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
}

func TestStatusUnknownUser(t *testing.T) {
	f := newFixture(t)

	s, err := f.orch.Status(context.Background(), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != exchange.StateIdle || s.UserKey != 99 {
		t.Fatalf("unexpected session %+v", s)
	}
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/botapi"
	"github.com/suspectuso/stars-exchange/internal/exchange"
)

// AssetUSDT is USDT on the TON network
const AssetUSDT = "TON-USDT"

// Disburser pays USDT out of the ledger pool
type Disburser struct {
	api   *botapi.Client
	asset string
	log   *slog.Logger
}

// NewDisburser creates a disburser paying asset through the ledger API
func NewDisburser(api *botapi.Client, asset string, log *slog.Logger) *Disburser {
	if asset == "" {
		asset = AssetUSDT
	}
	return &Disburser{api: api, asset: asset, log: log}
}

// Send implements exchange.Disburser. The user key doubles as the private
// chat id of the recipient.
func (d *Disburser) Send(ctx context.Context, req exchange.Disbursement) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: non-positive amount %s", exchange.ErrDisbursementFailed, req.Amount)
	}
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: missing idempotency key", exchange.ErrDisbursementFailed)
	}

	payment, err := d.api.SendCryptoPayment(ctx, botapi.CryptoPaymentParams{
		ChatID:         req.UserKey,
		Asset:          d.asset,
		Amount:         req.Amount.String(),
		Description:    "Обмен звёзд на USDT",
		Address:        req.Wallet,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return "", classifyLedgerError(err)
	}

	d.log.Info("usdt sent",
		"user_id", req.UserKey,
		"amount", req.Amount.String(),
		"idempotency_key", req.IdempotencyKey,
		"transaction_id", payment.TransactionID,
	)
	return payment.TransactionID, nil
}

// PoolBalance returns what the ledger pool can still pay out
func (d *Disburser) PoolBalance(ctx context.Context) (decimal.Decimal, error) {
	balance, err := d.api.GetCryptoBalance(ctx, d.asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get pool balance: %w", err)
	}
	amount, err := decimal.NewFromString(balance.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse pool balance %q: %w", balance.Amount, err)
	}
	return amount, nil
}

// CanCover reports whether the pool holds at least amount
func (d *Disburser) CanCover(ctx context.Context, amount decimal.Decimal) (bool, error) {
	balance, err := d.PoolBalance(ctx)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

func classifyLedgerError(err error) error {
	var apiErr *botapi.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusPaymentRequired ||
			strings.Contains(strings.ToLower(apiErr.Description), "insufficient") {
			return fmt.Errorf("%w: %v", exchange.ErrInsufficientFunds, err)
		}
	}
	return fmt.Errorf("%w: %v", exchange.ErrDisbursementFailed, err)
}

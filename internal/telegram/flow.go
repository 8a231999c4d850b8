package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/stars-exchange/internal/exchange"
	"github.com/suspectuso/stars-exchange/internal/payments"
)

type reply struct {
	text     string
	keyboard *models.InlineKeyboardMarkup
}

var errBadAmount = errors.New("bad stars amount")

func (b *Bot) exchangeReply(ctx context.Context, userID int64, args string) reply {
	cfg := b.exchange.Config()
	stars, err := parseStars(args, cfg.MinAmount)
	if err != nil {
		return reply{text: errorText(err, cfg)}
	}

	s, err := b.exchange.Initiate(ctx, userID, stars)
	if errors.Is(err, exchange.ErrExchangeInProgress) && s.State == exchange.StateInvoiced {
		return reply{
			text:     pendingText(s, b.exchange.Convert(s.StarsRequested)),
			keyboard: PayKeyboard(s.InvoiceURL),
		}
	}
	if err != nil {
		b.log.Warn("initiate exchange", "user_id", userID, "stars", stars, "error", err)
		return reply{text: errorText(err, cfg)}
	}

	return reply{
		text:     invoiceText(s, b.exchange.Convert(s.StarsRequested)),
		keyboard: PayKeyboard(s.InvoiceURL),
	}
}

func (b *Bot) statusReply(ctx context.Context, userID int64) reply {
	s, err := b.exchange.Status(ctx, userID)
	if err != nil {
		b.log.Error("get status", "user_id", userID, "error", err)
		return reply{text: errorText(err, b.exchange.Config())}
	}

	r := reply{text: statusText(s, b.exchange.Convert(s.StarsRequested))}
	if s.State == exchange.StateInvoiced && s.InvoiceURL != "" {
		r.keyboard = PayKeyboard(s.InvoiceURL)
	}
	return r
}

func (b *Bot) walletReply(ctx context.Context, userID int64, args string) string {
	if args == "" {
		s, err := b.exchange.Status(ctx, userID)
		if err != nil {
			return errorText(err, b.exchange.Config())
		}
		return walletText(s.WalletAddress)
	}

	addr, err := payments.ParseAddress(args)
	if err != nil {
		return errorText(err, b.exchange.Config())
	}
	if _, err := b.exchange.SetWallet(ctx, userID, addr.Raw); err != nil {
		b.log.Warn("set wallet", "user_id", userID, "error", err)
		return errorText(err, b.exchange.Config())
	}
	return walletSavedText(addr.Friendly)
}

func (b *Bot) lookupReply(ctx context.Context, callerID int64, args string) string {
	if !b.admins.IsAuthorized(callerID) {
		b.log.Warn("unauthorized lookup", "user_id", callerID)
		return adminOnlyText
	}

	userKey, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || userKey <= 0 {
		return lookupUsageText
	}

	s, err := b.exchange.Status(ctx, userKey)
	if err != nil {
		return errorText(err, b.exchange.Config())
	}
	return lookupText(s)
}

// checkout decides a pre_checkout_query. Telegram charges the user only after
// an OK answer, so everything that can be checked up front is checked here.
func (b *Bot) checkout(ctx context.Context, userID int64, currency string, total int64, payload string) (bool, string) {
	cfg := b.exchange.Config()
	if currency != cfg.Currency {
		return false, checkoutCurrencyText
	}

	s, err := b.exchange.Status(ctx, userID)
	if err != nil {
		b.log.Error("pre-checkout status", "user_id", userID, "error", err)
		return false, checkoutUnavailableText
	}
	if s.State != exchange.StateInvoiced || s.PaymentReference != payload {
		b.log.Warn("pre-checkout for unknown invoice",
			"user_id", userID,
			"state", s.State,
			"payload", payload,
		)
		return false, checkoutStaleText
	}

	if b.pool != nil {
		ok, err := b.pool.CanCover(ctx, b.exchange.Convert(total))
		if err != nil {
			b.log.Error("pre-checkout pool balance", "user_id", userID, "error", err)
			return false, checkoutUnavailableText
		}
		if !ok {
			b.log.Warn("pool cannot cover payout", "user_id", userID, "stars", total)
			return false, checkoutPoolText
		}
	}
	return true, ""
}

// paymentReply hands a successful payment to the orchestrator and returns the
// text for the payer; an empty text means nothing should be sent
func (b *Bot) paymentReply(ctx context.Context, userID int64, n exchange.Notification) string {
	s, err := b.exchange.OnPaymentNotification(ctx, userID, n)
	switch {
	case err == nil:
		return completedText(s)
	case errors.Is(err, exchange.ErrDuplicateNotification):
		return ""
	case exchange.IsDisbursementError(err):
		return errorText(err, b.exchange.Config()) + "\n\n" + chargeLine(n.ChargeID)
	default:
		b.log.Error("payment notification", "user_id", userID, "charge_id", n.ChargeID, "error", err)
		return errorText(err, b.exchange.Config())
	}
}

// parseStars reads the stars amount argument, falling back to def
func parseStars(args string, def int64) (int64, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return def, nil
	}
	args = strings.NewReplacer(" ", "", "_", "", "⭐", "").Replace(args)

	stars, err := strconv.ParseInt(args, 10, 64)
	if err != nil || stars <= 0 {
		return 0, errBadAmount
	}
	return stars, nil
}

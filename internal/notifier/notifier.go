// Package notifier tells operators about exchanges that need manual attention.
package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/suspectuso/stars-exchange/internal/exchange"
	"github.com/suspectuso/stars-exchange/internal/payments"
)

// Sender delivers a message to a Telegram chat
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string) error
}

// Admins lists who receives operator alerts
type Admins interface {
	IDs() []int64
}

// Notifier sends operator alerts to every admin. It is an
// exchange.FailureReporter.
type Notifier struct {
	sender Sender
	admins Admins
	log    *slog.Logger
}

// New creates a new Notifier
func New(sender Sender, admins Admins, log *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		admins: admins,
		log:    log,
	}
}

// ExchangeFailed alerts admins that a captured payment was not paid out
func (n *Notifier) ExchangeFailed(ctx context.Context, s exchange.Session) {
	n.log.Warn("exchange failed",
		"user_id", s.UserKey,
		"charge_id", s.ChargeID,
		"usdt", s.USDTAmount.String(),
		"reason", s.FailureReason,
	)
	n.broadcast(ctx, formatFailed(s))
}

// PaymentUnmatched alerts admins about a payment that had no pending invoice
func (n *Notifier) PaymentUnmatched(ctx context.Context, userKey int64, p exchange.Notification) {
	n.log.Warn("unmatched payment",
		"user_id", userKey,
		"charge_id", p.ChargeID,
		"stars", p.Amount,
	)
	n.broadcast(ctx, formatUnmatched(userKey, p))
}

// Stuck alerts admins about a session that stayed in payment_received
func (n *Notifier) Stuck(ctx context.Context, s exchange.Session) {
	n.broadcast(ctx, formatStuck(s))
}

func (n *Notifier) broadcast(ctx context.Context, text string) {
	if n.admins == nil {
		return
	}
	for _, id := range n.admins.IDs() {
		if err := n.sender.SendNotification(ctx, id, text); err != nil {
			n.log.Error("send admin alert", "admin_id", id, "error", err)
		}
	}
}

func formatFailed(s exchange.Session) string {
	lines := []string{
		"🚨 <b>Выплата не прошла</b>",
		"",
		fmt.Sprintf("Пользователь: <code>%d</code>", s.UserKey),
		fmt.Sprintf("Звёзд: <b>%d</b>", s.StarsRequested),
		fmt.Sprintf("К выплате: <b>%s USDT</b>", s.USDTAmount.String()),
		fmt.Sprintf("Charge ID: <code>%s</code>", html.EscapeString(s.ChargeID)),
	}
	if s.WalletAddress != "" {
		lines = append(lines, fmt.Sprintf("Кошелёк: <code>%s</code>", payments.FriendlyAddress(s.WalletAddress)))
	}
	if s.FailureReason != "" {
		lines = append(lines, "", fmt.Sprintf("Причина: <i>%s</i>", html.EscapeString(s.FailureReason)))
	}
	return strings.Join(lines, "\n")
}

func formatUnmatched(userKey int64, p exchange.Notification) string {
	return strings.Join([]string{
		"⚠️ <b>Платёж без счёта</b>",
		"",
		fmt.Sprintf("Пользователь: <code>%d</code>", userKey),
		fmt.Sprintf("Получено: <b>%d %s</b>", p.Amount, html.EscapeString(p.Currency)),
		fmt.Sprintf("Charge ID: <code>%s</code>", html.EscapeString(p.ChargeID)),
		"",
		"Выплата не выполнялась, нужен ручной разбор.",
	}, "\n")
}

func formatStuck(s exchange.Session) string {
	return strings.Join([]string{
		"⏳ <b>Обмен завис</b>",
		"",
		fmt.Sprintf("Пользователь: <code>%d</code>", s.UserKey),
		fmt.Sprintf("К выплате: <b>%s USDT</b>", s.USDTAmount.String()),
		fmt.Sprintf("Charge ID: <code>%s</code>", html.EscapeString(s.ChargeID)),
		fmt.Sprintf("Оплата подтверждена: %s", s.UpdatedAt.UTC().Format("2006-01-02 15:04:05")),
	}, "\n")
}

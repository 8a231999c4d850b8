package telegram

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/exchange"
	"github.com/suspectuso/stars-exchange/internal/payments"
)

const (
	adminOnlyText   = "⛔ Команда доступна только администраторам."
	lookupUsageText = "Использование: <code>/lookup &lt;user_id&gt;</code>"

	checkoutCurrencyText    = "Оплата возможна только звёздами."
	checkoutStaleText       = "Счёт устарел. Создай новый через /exchange."
	checkoutPoolText        = "Сейчас обмен недоступен: в пуле недостаточно USDT. Попробуй позже."
	checkoutUnavailableText = "Сервис временно недоступен. Попробуй позже."
)

func startText(userID int64, userName string, cfg exchange.Config) string {
	if userName == "" {
		userName = "друг"
	}
	return fmt.Sprintf(
		"<a href='tg://user?id=%d'>%s</a>, добро пожаловать в <b>Stars Exchange</b>! 🚀\n\n"+
			"Я меняю Telegram Stars на USDT.\n"+
			"Курс: <b>%s ⭐ = 1 USDT</b>\n"+
			"Минимум: <b>%d ⭐</b>\n\n"+
			"Выбери действие 👇",
		userID, html.EscapeString(userName), cfg.ConversionRate.String(), cfg.MinAmount,
	)
}

func helpText(cfg exchange.Config) string {
	return strings.Join([]string{
		"ℹ️ <b>Как это работает</b>",
		"",
		fmt.Sprintf("1. Отправь <code>/exchange 500</code>, минимум %d ⭐", cfg.MinAmount),
		"2. Оплати счёт звёздами",
		"3. Получи USDT в Telegram-кошелёк",
		"",
		"<code>/status</code> — состояние обмена",
		"<code>/wallet &lt;адрес&gt;</code> — выплата на свой TON-кошелёк",
		"",
		fmt.Sprintf("Курс: <b>%s ⭐ = 1 USDT</b>", cfg.ConversionRate.String()),
	}, "\n")
}

func invoiceText(s exchange.Session, usdt decimal.Decimal) string {
	return fmt.Sprintf(
		"🧾 <b>Счёт создан</b>\n\n"+
			"Оплати <b>%d ⭐</b> и получи <b>%s USDT</b>.\n"+
			"Сумма выплаты считается по фактически оплаченным звёздам.",
		s.StarsRequested, usdt.String(),
	)
}

func pendingText(s exchange.Session, usdt decimal.Decimal) string {
	return fmt.Sprintf(
		"⏳ У тебя уже есть неоплаченный счёт: <b>%d ⭐ → %s USDT</b>.\n"+
			"Оплати его или дождись, пока он устареет.",
		s.StarsRequested, usdt.String(),
	)
}

func completedText(s exchange.Session) string {
	lines := []string{
		"✅ <b>Обмен завершён</b>",
		"",
		fmt.Sprintf("Выплачено: <b>%s USDT</b>", s.USDTAmount.String()),
	}
	if s.WalletAddress != "" {
		lines = append(lines, fmt.Sprintf("Кошелёк: <code>%s</code>", payments.FriendlyAddress(s.WalletAddress)))
	}
	if s.DisbursementID != "" {
		lines = append(lines, fmt.Sprintf("ID перевода: <code>%s</code>", html.EscapeString(s.DisbursementID)))
	}
	return strings.Join(lines, "\n")
}

func statusText(s exchange.Session, requestedUSDT decimal.Decimal) string {
	switch s.State {
	case exchange.StateInvoiced:
		return fmt.Sprintf("🧾 Ожидает оплаты: <b>%d ⭐ → %s USDT</b>", s.StarsRequested, requestedUSDT.String())
	case exchange.StatePaymentReceived:
		return fmt.Sprintf("💸 Оплата получена, выплачиваем <b>%s USDT</b>...", s.USDTAmount.String())
	case exchange.StateDisbursed:
		return completedText(s)
	case exchange.StateFailed:
		return fmt.Sprintf(
			"⚠️ Оплата получена, но выплата <b>%s USDT</b> не прошла.\n"+
				"Напиши в поддержку и укажи ID платежа:\n%s",
			s.USDTAmount.String(), chargeLine(s.ChargeID),
		)
	}
	return "Активного обмена нет. Отправь <code>/exchange &lt;кол-во звёзд&gt;</code>."
}

func walletText(raw string) string {
	if raw == "" {
		return "Выплаты идут в Telegram-кошелёк.\n" +
			"Чтобы получать на свой TON-кошелёк, отправь <code>/wallet &lt;адрес&gt;</code>."
	}
	return fmt.Sprintf("Выплаты идут на <code>%s</code>", payments.FriendlyAddress(raw))
}

func walletSavedText(friendly string) string {
	return fmt.Sprintf("✅ Кошелёк сохранён: <code>%s</code>", friendly)
}

func lookupText(s exchange.Session) string {
	lines := []string{
		fmt.Sprintf("👤 <b>Пользователь %d</b>", s.UserKey),
		"",
		fmt.Sprintf("Состояние: <b>%s</b>", s.State),
		fmt.Sprintf("Звёзд: %d", s.StarsRequested),
		fmt.Sprintf("USDT: %s", s.USDTAmount.String()),
	}
	for _, f := range []struct{ label, value string }{
		{"Счёт", s.PaymentReference},
		{"Charge ID", s.ChargeID},
		{"ID перевода", s.DisbursementID},
		{"Кошелёк", payments.FriendlyAddress(s.WalletAddress)},
		{"Ошибка", s.FailureReason},
	} {
		if f.value != "" {
			lines = append(lines, fmt.Sprintf("%s: <code>%s</code>", f.label, html.EscapeString(f.value)))
		}
	}
	lines = append(lines, fmt.Sprintf("Обновлено: %s", s.UpdatedAt.UTC().Format("2006-01-02 15:04:05")))
	return strings.Join(lines, "\n")
}

func chargeLine(chargeID string) string {
	return fmt.Sprintf("<code>%s</code>", html.EscapeString(chargeID))
}

// errorText maps an error to what the user sees. Internal details stay in the
// logs.
func errorText(err error, cfg exchange.Config) string {
	switch {
	case errors.Is(err, errBadAmount):
		return "❌ Введи целое число звёзд. Например: <code>/exchange 500</code>"
	case errors.Is(err, exchange.ErrBelowMinimum):
		return fmt.Sprintf("❌ Минимальная сумма обмена: <b>%d ⭐</b>", cfg.MinAmount)
	case errors.Is(err, exchange.ErrInvoiceCreationFailed):
		return "❌ Не удалось создать счёт. Попробуй ещё раз чуть позже."
	case errors.Is(err, exchange.ErrExchangeInProgress):
		return "⏳ Дождись завершения текущего обмена."
	case errors.Is(err, exchange.ErrDuplicateNotification):
		return "ℹ️ Этот платёж уже обработан."
	case errors.Is(err, exchange.ErrInvalidCurrency):
		return "❌ Платёж пришёл не в звёздах. Напиши в поддержку."
	case errors.Is(err, exchange.ErrInsufficientFunds):
		return "⚠️ Оплата получена, но в пуле сейчас не хватает USDT. Напиши в поддержку, выплату сделаем вручную."
	case errors.Is(err, exchange.ErrDisbursementFailed):
		return "⚠️ Оплата получена, но выплата не прошла. Напиши в поддержку и укажи ID платежа."
	case errors.Is(err, exchange.ErrNoPendingInvoice):
		return "❌ Не найден счёт для этого платежа. Напиши в поддержку."
	case errors.Is(err, exchange.ErrInvalidNotification):
		return "❌ Некорректные данные платежа. Напиши в поддержку."
	case errors.Is(err, exchange.ErrInvalidWallet):
		return "❌ Адрес не похож на TON. Попробуй ещё раз."
	case errors.Is(err, exchange.ErrConflict):
		return "⏳ Запрос уже обрабатывается, попробуй через пару секунд."
	}
	return "❌ Что-то пошло не так. Попробуй позже."
}

// Package telegram is the chat front end of the exchange.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/access"
	"github.com/suspectuso/stars-exchange/internal/exchange"
)

// Exchange is the part of the orchestrator the bot drives
type Exchange interface {
	Config() exchange.Config
	Convert(stars int64) decimal.Decimal
	Initiate(ctx context.Context, userKey, stars int64) (exchange.Session, error)
	OnPaymentNotification(ctx context.Context, userKey int64, n exchange.Notification) (exchange.Session, error)
	Status(ctx context.Context, userKey int64) (exchange.Session, error)
	SetWallet(ctx context.Context, userKey int64, rawAddress string) (exchange.Session, error)
}

// Pool tells whether the payout pool can cover an amount
type Pool interface {
	CanCover(ctx context.Context, amount decimal.Decimal) (bool, error)
}

// Settings configures the underlying Bot API client
type Settings struct {
	Token     string
	ServerURL string
}

// Bot wraps the telegram bot with handlers
type Bot struct {
	bot      *bot.Bot
	exchange Exchange
	pool     Pool
	admins   *access.Allowlist
	log      *slog.Logger
}

// New creates a new telegram bot. The Bot API client is usable right away,
// updates are handled once Bind has been called.
func New(s Settings, admins *access.Allowlist, log *slog.Logger) (*Bot, error) {
	b := &Bot{
		admins: admins,
		log:    log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}
	if s.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(s.ServerURL))
	}

	tgBot, err := bot.New(s.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot
	return b, nil
}

// Bind attaches the exchange the handlers drive and registers the commands.
// It must be called once, before Start or StartWebhook.
func (b *Bot) Bind(ex Exchange, pool Pool) {
	b.exchange = ex
	b.pool = pool

	tgBot := b.bot
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start ", bot.MatchTypePrefix, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, b.helpHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/exchange", bot.MatchTypeExact, b.exchangeHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/exchange ", bot.MatchTypePrefix, b.exchangeHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypeExact, b.statusHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/wallet", bot.MatchTypeExact, b.walletHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/wallet ", bot.MatchTypePrefix, b.walletHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/lookup", bot.MatchTypeExact, b.lookupHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/lookup ", bot.MatchTypePrefix, b.lookupHandler)
}

// Start starts long polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// StartWebhook processes updates delivered through WebhookHandler
func (b *Bot) StartWebhook(ctx context.Context) {
	b.bot.StartWebhook(ctx)
}

// WebhookHandler returns the HTTP handler Telegram posts updates to
func (b *Bot) WebhookHandler() http.HandlerFunc {
	return b.bot.WebhookHandler()
}

// GetBot returns the underlying bot instance
func (b *Bot) GetBot() *bot.Bot {
	return b.bot
}

// --- Handlers ---

func (b *Bot) startHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	userName := msg.From.FirstName
	if userName == "" {
		userName = msg.From.Username
	}
	b.sendMessage(ctx, msg.Chat.ID, startText(msg.From.ID, userName, b.exchange.Config()), MainKeyboard())
}

func (b *Bot) helpHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, helpText(b.exchange.Config()), MainKeyboard())
}

func (b *Bot) exchangeHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	r := b.exchangeReply(ctx, msg.From.ID, commandArgs(msg.Text))
	b.sendMessage(ctx, msg.Chat.ID, r.text, r.keyboard)
}

func (b *Bot) statusHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	r := b.statusReply(ctx, msg.From.ID)
	b.sendMessage(ctx, msg.Chat.ID, r.text, r.keyboard)
}

func (b *Bot) walletHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, b.walletReply(ctx, msg.From.ID, commandArgs(msg.Text)), nil)
}

func (b *Bot) lookupHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, b.lookupReply(ctx, msg.From.ID, commandArgs(msg.Text)), nil)
}

// defaultHandler receives every update no command matched, payments included
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if b.exchange == nil {
		return
	}
	switch {
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		ok, reason := b.checkout(ctx, q.From.ID, q.Currency, int64(q.TotalAmount), q.InvoicePayload)
		params := &bot.AnswerPreCheckoutQueryParams{
			PreCheckoutQueryID: q.ID,
			OK:                 ok,
		}
		if !ok {
			params.ErrorMessage = reason
		}
		if _, err := tgBot.AnswerPreCheckoutQuery(ctx, params); err != nil {
			b.log.Error("answer pre-checkout query", "user_id", q.From.ID, "error", err)
		}

	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		msg := update.Message
		if msg.From == nil {
			return
		}
		sp := msg.SuccessfulPayment
		text := b.paymentReply(ctx, msg.From.ID, exchange.Notification{
			Currency:  sp.Currency,
			Amount:    int64(sp.TotalAmount),
			ChargeID:  sp.TelegramPaymentChargeID,
			Reference: sp.InvoicePayload,
		})
		if text != "" {
			b.sendMessage(ctx, msg.Chat.ID, text, nil)
		}
	}
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil || b.exchange == nil {
		return
	}

	cb := update.CallbackQuery
	userID := cb.From.ID

	// Answer callback to remove loading state
	tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	})

	var r reply
	switch cb.Data {
	case "exchange":
		r = b.exchangeReply(ctx, userID, "")
	case "status":
		r = b.statusReply(ctx, userID)
	case "help":
		r = reply{text: helpText(b.exchange.Config()), keyboard: MainKeyboard()}
	default:
		b.log.Warn("unknown callback", "data", cb.Data, "user_id", userID)
		return
	}
	b.sendMessage(ctx, userID, r.text, r.keyboard)
}

// --- Helpers ---

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", "error", err)
	}
}

// SendNotification sends a message to a chat without link previews
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string) error {
	disablePreview := true
	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	})
	return err
}

// commandArgs strips the leading /command (and an optional @botname) from text
func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \n"); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return ""
}

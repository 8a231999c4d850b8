package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
)

// Registrar is the Bot API surface that manages webhooks
type Registrar interface {
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)
}

// AllowedUpdates lists the update kinds the exchange handles
var AllowedUpdates = []string{"message", "callback_query", "pre_checkout_query"}

// Manager registers the bot's webhook with Telegram
type Manager struct {
	api     Registrar
	baseURL string
	secret  string
	log     *slog.Logger
}

// NewManager creates a new webhook manager. baseURL is the public address of
// this server, UpdatesPath is appended to it.
func NewManager(api Registrar, baseURL, secret string, log *slog.Logger) *Manager {
	return &Manager{
		api:     api,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		log:     log,
	}
}

// Endpoint returns the URL Telegram posts updates to
func (m *Manager) Endpoint() string {
	if m.baseURL == "" {
		return ""
	}
	return m.baseURL + UpdatesPath
}

// Init points Telegram at Endpoint
func (m *Manager) Init(ctx context.Context) error {
	endpoint := m.Endpoint()
	if endpoint == "" {
		m.log.Warn("webhook endpoint not set, skipping webhook init")
		return nil
	}

	ok, err := m.api.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            endpoint,
		SecretToken:    m.secret,
		AllowedUpdates: AllowedUpdates,
	})
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if !ok {
		return fmt.Errorf("set webhook: telegram refused %s", endpoint)
	}

	m.log.Info("webhook registered", "endpoint", endpoint)
	return nil
}

// Release removes any registered webhook so long polling can receive updates.
// Pending updates are kept.
func (m *Manager) Release(ctx context.Context) error {
	if _, err := m.api.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	m.log.Debug("webhook released")
	return nil
}

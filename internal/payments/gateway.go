package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

// PayloadPrefix starts every invoice payload issued by the bot
const PayloadPrefix = "stars_exchange_"

// InvoiceLinker creates invoice links. *bot.Bot satisfies it.
type InvoiceLinker interface {
	CreateInvoiceLink(ctx context.Context, params *bot.CreateInvoiceLinkParams) (string, error)
}

// InvoiceGateway issues Stars invoice links through the Bot API
type InvoiceGateway struct {
	api      InvoiceLinker
	currency string
	title    string
	log      *slog.Logger
}

// NewInvoiceGateway creates a gateway issuing invoices in currency
func NewInvoiceGateway(api InvoiceLinker, currency string, log *slog.Logger) *InvoiceGateway {
	return &InvoiceGateway{
		api:      api,
		currency: currency,
		title:    "Обмен звёзд на USDT",
		log:      log,
	}
}

// CreateInvoice implements exchange.InvoiceGateway. Stars invoices carry no
// provider token.
func (g *InvoiceGateway) CreateInvoice(ctx context.Context, userKey int64, stars int64, description string) (exchange.Invoice, error) {
	payload := PayloadPrefix + uuid.NewString()

	link, err := g.api.CreateInvoiceLink(ctx, &bot.CreateInvoiceLinkParams{
		Title:       g.title,
		Description: description,
		Payload:     payload,
		Currency:    g.currency,
		Prices: []models.LabeledPrice{
			{Label: fmt.Sprintf("%d звёзд", stars), Amount: int(stars)},
		},
	})
	if err != nil {
		return exchange.Invoice{}, fmt.Errorf("%w: %v", exchange.ErrInvoiceCreationFailed, err)
	}
	if link == "" {
		return exchange.Invoice{}, fmt.Errorf("%w: empty invoice link", exchange.ErrInvoiceCreationFailed)
	}

	g.log.Info("invoice link created", "user_id", userKey, "stars", stars, "payload", payload)
	return exchange.Invoice{Reference: payload, URL: link}, nil
}

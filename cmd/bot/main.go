package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/suspectuso/stars-exchange/internal/access"
	"github.com/suspectuso/stars-exchange/internal/botapi"
	"github.com/suspectuso/stars-exchange/internal/config"
	"github.com/suspectuso/stars-exchange/internal/exchange"
	"github.com/suspectuso/stars-exchange/internal/notifier"
	"github.com/suspectuso/stars-exchange/internal/payments"
	"github.com/suspectuso/stars-exchange/internal/storage"
	"github.com/suspectuso/stars-exchange/internal/telegram"
	"github.com/suspectuso/stars-exchange/internal/webhook"
)

func main() {
	// Setup logger, the level is adjusted once config is loaded
	var level slog.LevelVar
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", cfg.LogLevel)
	}

	// Initialize storage
	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		log.Error("init storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)

	admins := access.NewAllowlist(cfg.AdminIDs)

	// Initialize telegram bot
	bot, err := telegram.New(telegram.Settings{
		Token:     cfg.Telegram.BotToken,
		ServerURL: cfg.Telegram.APIURL,
	}, admins, log)
	if err != nil {
		log.Error("init telegram bot", "error", err)
		os.Exit(1)
	}
	log.Info("telegram bot initialized", "api_url", cfg.Telegram.APIURL)

	// Payment rails
	ledgerAPI := botapi.NewClient(cfg.Ledger.APIURL, cfg.Ledger.Token)
	invoices := payments.NewInvoiceGateway(bot.GetBot(), cfg.Exchange.Currency, log)
	ledger := payments.NewDisburser(ledgerAPI, cfg.Ledger.Asset, log)
	log.Info("ledger client initialized", "ledger_url", cfg.Ledger.APIURL, "asset", cfg.Ledger.Asset)

	notify := notifier.New(bot, admins, log)

	orch, err := exchange.New(exchange.Config{
		ConversionRate: cfg.Exchange.Rate,
		MinAmount:      cfg.Exchange.MinAmount,
		Currency:       cfg.Exchange.Currency,
		InvoiceTTL:     *cfg.Exchange.InvoiceTTL,
	}, store, invoices, ledger, log, exchange.WithFailureReporter(notify))
	if err != nil {
		log.Error("init exchange", "error", err)
		os.Exit(1)
	}
	bot.Bind(orch, ledger)
	log.Info("exchange initialized",
		"rate", cfg.Exchange.Rate.String(),
		"min_amount", cfg.Exchange.MinAmount,
		"currency", cfg.Exchange.Currency,
		"invoice_ttl", *cfg.Exchange.InvoiceTTL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// Start stuck exchange sweeper
	sweeper := notifier.NewSweeper(store, notify, cfg.Sweeper.StuckAfter, log)
	go sweeper.Start(ctx, cfg.Sweeper.Interval)

	webhookManager := webhook.NewManager(bot.GetBot(), cfg.Webhook.URL, cfg.Webhook.Secret, log)

	if cfg.Telegram.RunMode == config.RunModeWebhook {
		if err := webhookManager.Init(ctx); err != nil {
			log.Error("init webhook", "error", err)
			os.Exit(1)
		}

		server := webhook.NewServer(bot.WebhookHandler(), cfg.Webhook.Secret, log)
		go func() {
			if err := server.Start(ctx, cfg.Webhook.Port); err != nil && err != http.ErrServerClosed {
				log.Error("webhook server", "error", err)
				cancel()
			}
		}()

		log.Info("starting bot in webhook mode...", "endpoint", webhookManager.Endpoint())
		bot.StartWebhook(ctx)
		<-ctx.Done()
		return
	}

	if err := webhookManager.Release(ctx); err != nil {
		log.Warn("release webhook", "error", err)
	}

	// Health endpoint only
	server := webhook.NewServer(nil, "", log)
	go func() {
		if err := server.Start(ctx, cfg.Webhook.Port); err != nil && err != http.ErrServerClosed {
			log.Error("health server", "error", err)
		}
	}()

	log.Info("starting bot polling...")
	bot.Start(ctx)
}

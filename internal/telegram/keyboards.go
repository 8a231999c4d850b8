package telegram

import "github.com/go-telegram/bot/models"

// MainKeyboard returns the main menu keyboard
func MainKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "💱 Обменять", CallbackData: "exchange"},
				{Text: "📊 Статус", CallbackData: "status"},
			},
			{
				{Text: "ℹ️ Помощь", CallbackData: "help"},
			},
		},
	}
}

// PayKeyboard returns the invoice payment button
func PayKeyboard(invoiceURL string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "⭐ Оплатить", URL: invoiceURL},
			},
			{
				{Text: "📊 Статус", CallbackData: "status"},
			},
		},
	}
}

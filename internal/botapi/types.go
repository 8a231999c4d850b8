package botapi

import "encoding/json"

// envelope is the response wrapper of every method
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// CryptoPaymentParams are the sendCryptoPayment arguments
type CryptoPaymentParams struct {
	ChatID         int64  `json:"chat_id"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Address        string `json:"address,omitempty"` // raw TON address, empty means the chat's wallet
	IdempotencyKey string `json:"idempotency_key"`
}

// CryptoPayment is the sendCryptoPayment result
type CryptoPayment struct {
	TransactionID string `json:"cryptocurrency_transaction_id"`
}

// CryptoBalance is the getCryptoBalance result
type CryptoBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

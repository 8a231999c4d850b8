package payments

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tonkeeper/tongo/ton"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

var addrRegex = regexp.MustCompile(`(0:[0-9A-Fa-f]{64}|[UE]Q[0-9A-Za-z_-]{46})`)

// Address is a parsed TON account
type Address struct {
	Raw      string // 0:... format
	Friendly string // UQ.../EQ... format
}

// ParseAddress finds a TON address in text (a bare address or a tonviewer /
// tonscan link) and normalizes it
func ParseAddress(text string) (Address, error) {
	match := addrRegex.FindString(strings.TrimSpace(text))
	if match == "" {
		return Address{}, fmt.Errorf("%w: %q", exchange.ErrInvalidWallet, text)
	}

	acc, err := ton.ParseAccountID(match)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", exchange.ErrInvalidWallet, err)
	}

	return Address{
		Raw:      acc.String(),
		Friendly: acc.ToHuman(false, false),
	}, nil
}

// FriendlyAddress converts a raw address to the non-bounceable form wallets
// display, returning raw unchanged when it does not parse
func FriendlyAddress(raw string) string {
	if raw == "" {
		return ""
	}
	acc, err := ton.ParseAccountID(raw)
	if err != nil {
		return raw
	}
	return acc.ToHuman(false, false)
}

// ShortAddr returns a shortened address for display
func ShortAddr(addr string, n int) string {
	if addr == "" {
		return "unknown"
	}
	if len(addr) < n*2+3 {
		return addr
	}
	return addr[:n] + "..." + addr[len(addr)-n:]
}

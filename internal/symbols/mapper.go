package symbols

import "strings"

// ForExchange converts a canonical BASE/QUOTE pair such as "BTC/USDT" into the
// symbol format a given exchange expects on its websocket feed.
// Currently supported exchanges: binance, kraken, huobi.
func ForExchange(exchange, pair string) string {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(pair)), "/")
	if !ok {
		return strings.ToLower(pair)
	}
	switch strings.ToLower(exchange) {
	case "binance", "huobi":
		return strings.ToLower(base + quote)
	case "kraken":
		if base == "BTC" {
			base = "XBT"
		}
		return base + "/" + quote
	default:
		return base + quote
	}
}

// Canonical converts an exchange symbol back into BASE/QUOTE form. Symbols
// without a separator are split on a known quote currency suffix.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if base, quote, ok := strings.Cut(sym, "/"); ok {
		if base == "XBT" {
			base = "BTC"
		}
		return base + "/" + quote
	}
	for _, quote := range knownQuotes {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "/" + quote
		}
	}
	return sym
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

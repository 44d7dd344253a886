// Package symbol normalizes broker instrument symbols and classifies them by
// asset class, which drives the default trading calendar and the currency
// legs used by exposure limits.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Asset classes.
const (
	ClassFX      = "fx"
	ClassMetal   = "metal"
	ClassCrypto  = "crypto"
	ClassIndex   = "index"
	ClassUnknown = "unknown"
)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid instrument symbol")
)

// symbolRegex matches the normalized form: letters/digits only, 3-12 chars.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{3,12}$`)

var currencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SEK": true, "NOK": true,
	"DKK": true, "SGD": true, "HKD": true, "ZAR": true, "MXN": true,
	"TRY": true, "PLN": true, "CNH": true,
}

var metals = map[string]bool{"XAU": true, "XAG": true, "XPT": true, "XPD": true}

var cryptoBases = []string{"DOGE", "BTC", "ETH", "LTC", "XRP", "SOL", "ADA", "BNB", "DOT"}

var cryptoQuotes = []string{"USDT", "USD", "EUR"}

var indices = map[string]bool{
	"US30": true, "US500": true, "SPX500": true, "NAS100": true, "USTEC": true,
	"GER40": true, "DE40": true, "UK100": true, "JP225": true, "AUS200": true,
}

// Instrument is a parsed, normalized symbol.
type Instrument struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base,omitempty"`
	Quote  string `json:"quote,omitempty"`
	Class  string `json:"class"`
}

// Normalize upper-cases raw, drops the broker suffix after '.' or '#', and
// removes pair separators: "eur_usd" and "EURUSD.m" both become "EURUSD".
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexAny(s, ".#"); i > 0 {
		s = s[:i]
	}
	return strings.NewReplacer("_", "", "/", "", "-", "", " ", "").Replace(s)
}

// Parse normalizes and classifies raw.
func Parse(raw string) (*Instrument, error) {
	s := Normalize(raw)
	if !symbolRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}

	inst := &Instrument{Symbol: s, Class: ClassUnknown}

	switch {
	case indices[s]:
		inst.Class = ClassIndex
	case len(s) == 6 && metals[s[:3]] && currencies[s[3:]]:
		inst.Class = ClassMetal
		inst.Base, inst.Quote = s[:3], s[3:]
	case len(s) == 6 && currencies[s[:3]] && currencies[s[3:]]:
		inst.Class = ClassFX
		inst.Base, inst.Quote = s[:3], s[3:]
	default:
		if base, quote, ok := splitCrypto(s); ok {
			inst.Class = ClassCrypto
			inst.Base, inst.Quote = base, quote
		}
	}
	return inst, nil
}

// Legs returns the currency legs an instrument exposes. Instruments without
// legs (indices, unknown) expose themselves.
func (i *Instrument) Legs() []string {
	if i.Base == "" {
		return []string{i.Symbol}
	}
	return []string{i.Base, i.Quote}
}

func splitCrypto(s string) (base, quote string, ok bool) {
	for _, b := range cryptoBases {
		if !strings.HasPrefix(s, b) {
			continue
		}
		rest := s[len(b):]
		for _, q := range cryptoQuotes {
			if rest == q {
				return b, q, true
			}
		}
	}
	return "", "", false
}

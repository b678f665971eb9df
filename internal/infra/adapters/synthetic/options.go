package synthetic

import (
	"strings"
	"time"

	"github.com/coachpo/marketrelay/internal/observability"
)

const (
	defaultTickInterval      = 250 * time.Millisecond
	defaultBarInterval       = time.Second
	defaultValuationInterval = 5 * time.Second
	defaultTradeMinQty       = 0.01
	defaultTradeMaxQty       = 1.5
	defaultShockProbability  = 0.045
	defaultShockMagnitude    = 0.02
	defaultPriceDrift        = 0.00025
	defaultPriceVolatility   = 0.0125
	defaultValuationSpread   = 0.01
)

// DefaultSymbols is used when Options.Symbols is empty.
var DefaultSymbols = []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"}

// PriceModel shapes the random walk applied on every tick.
type PriceModel struct {
	Drift            float64
	Volatility       float64
	ShockProbability float64
	ShockMagnitude   float64
}

// Options configures a Feed.
type Options struct {
	Symbols           []string
	TickInterval      time.Duration
	BarInterval       time.Duration
	ValuationInterval time.Duration
	PriceModel        PriceModel
	// Seed fixes the random source; zero seeds from the clock.
	Seed   uint64
	Clock  func() time.Time
	Logger observability.Logger
}

func withDefaults(in Options) Options {
	symbols := normaliseSymbols(in.Symbols)
	if len(symbols) == 0 {
		symbols = append([]string(nil), DefaultSymbols...)
	}
	in.Symbols = symbols
	if in.TickInterval <= 0 {
		in.TickInterval = defaultTickInterval
	}
	if in.BarInterval <= 0 {
		in.BarInterval = defaultBarInterval
	}
	if in.ValuationInterval <= 0 {
		in.ValuationInterval = defaultValuationInterval
	}
	if in.PriceModel.Drift == 0 {
		in.PriceModel.Drift = defaultPriceDrift
	}
	if in.PriceModel.Volatility == 0 {
		in.PriceModel.Volatility = defaultPriceVolatility
	}
	if in.PriceModel.ShockProbability == 0 {
		in.PriceModel.ShockProbability = defaultShockProbability
	}
	if in.PriceModel.ShockMagnitude == 0 {
		in.PriceModel.ShockMagnitude = defaultShockMagnitude
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	if in.Seed == 0 {
		in.Seed = uint64(in.Clock().UnixNano())
	}
	return in
}

func normaliseSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}

func defaultBasePrice(symbol string) float64 {
	switch symbol {
	case "BTC-USDT":
		return 60000
	case "ETH-USDT":
		return 2000
	case "SOL-USDT":
		return 150
	default:
		return 100
	}
}

package synthetic

import (
	"fmt"
	"math"
	"time"
)

type symbolState struct {
	symbol    string
	basePrice float64
	lastPrice float64
	bar       *barWindow
}

func newSymbolState(symbol string) *symbolState {
	base := defaultBasePrice(symbol)
	return &symbolState{symbol: symbol, basePrice: base, lastPrice: base}
}

// advance moves the price by one step of the model and returns it. The price
// never falls below one percent of the base price.
func (s *symbolState) advance(model PriceModel, normal, uniform, sign float64) float64 {
	ret := model.Drift + model.Volatility*normal
	if uniform < model.ShockProbability {
		ret += sign * model.ShockMagnitude
	}
	price := s.lastPrice * math.Exp(ret)
	if floor := s.basePrice * 0.01; price < floor {
		price = floor
	}
	s.lastPrice = price
	return price
}

// record folds a print into the open bar, opening one at now when absent.
// A bar whose close time has passed is returned and replaced.
func (s *symbolState) record(now time.Time, interval time.Duration, price, qty float64) *barWindow {
	var closed *barWindow
	if s.bar != nil && !now.Before(s.bar.closeTime) {
		closed = s.bar
		start := s.bar.closeTime
		for !now.Before(start.Add(interval)) {
			start = start.Add(interval)
		}
		s.bar = newBarWindow(start, interval, closed.close)
	}
	if s.bar == nil {
		s.bar = newBarWindow(now, interval, price)
	}
	s.bar.update(price, qty)
	return closed
}

type barWindow struct {
	openTime  time.Time
	closeTime time.Time
	open      float64
	high      float64
	low       float64
	close     float64
	volume    float64
}

func newBarWindow(start time.Time, interval time.Duration, price float64) *barWindow {
	return &barWindow{
		openTime:  start,
		closeTime: start.Add(interval),
		open:      price,
		high:      price,
		low:       price,
		close:     price,
	}
}

func (b *barWindow) update(price, qty float64) {
	if price > b.high {
		b.high = price
	}
	if price < b.low {
		b.low = price
	}
	b.close = price
	b.volume += qty
}

// intervalLabel renders d the way bar feeds label intervals ("1s", "5m").
func intervalLabel(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}

package router

import "time"

// CircuitState is the breaker state of one channel.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns N=5 consecutive failures and a 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

func (c BreakerConfig) normalise() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// breaker is not goroutine safe; the router serialises access.
type breaker struct {
	cfg           BreakerConfig
	state         CircuitState
	failures      int
	openedAt      time.Time
	lastFailureAt time.Time
	probing       bool
	// epoch advances on every move to HALF_OPEN. Admissions carry it so results
	// from events queued before the probe cannot decide the probe's outcome.
	epoch uint64
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.normalise(), state: CircuitClosed}
}

// allow reports whether an event may be dispatched now and the epoch it is
// admitted under. Once the cooldown has elapsed the breaker moves to HALF_OPEN
// and admits a single probe; further events are refused until that probe
// reports back.
func (b *breaker) allow(now time.Time) (uint64, bool) {
	switch b.state {
	case CircuitClosed:
		return b.epoch, true
	case CircuitOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return 0, false
		}
		b.state = CircuitHalfOpen
		b.epoch++
		b.probing = true
		return b.epoch, true
	case CircuitHalfOpen:
		if b.probing {
			return 0, false
		}
		b.probing = true
		return b.epoch, true
	default:
		return 0, false
	}
}

// release returns an unused probe slot, e.g. when the probe could not be enqueued.
func (b *breaker) release() {
	if b.state == CircuitHalfOpen {
		b.probing = false
	}
}

// record folds the outcome of an event admitted under epoch and reports whether
// the state changed. Outcomes from earlier epochs are ignored.
func (b *breaker) record(epoch uint64, ok bool, now time.Time) bool {
	if !ok {
		b.lastFailureAt = now
	}
	if epoch < b.epoch {
		return false
	}
	switch b.state {
	case CircuitClosed:
		if ok {
			b.failures = 0
			return false
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open(now)
			return true
		}
		return false
	case CircuitHalfOpen:
		if ok {
			b.state = CircuitClosed
			b.failures = 0
			b.probing = false
			return true
		}
		b.failures++
		b.open(now)
		return true
	default:
		// Results of events admitted before the circuit opened do not move an open breaker.
		return false
	}
}

func (b *breaker) open(now time.Time) {
	b.state = CircuitOpen
	b.openedAt = now
	b.probing = false
}

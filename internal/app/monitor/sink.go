package monitor

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/observability"
)

// AlertSink receives alert raise and clear transitions.
type AlertSink interface {
	Notify(ctx context.Context, alert schema.Alert) error
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(ctx context.Context, alert schema.Alert) error

// Notify implements AlertSink.
func (f SinkFunc) Notify(ctx context.Context, alert schema.Alert) error { return f(ctx, alert) }

// notifier delivers transitions in order. Failed or rate-limited deliveries
// stay pending for the next poll.
type notifier struct {
	sink    AlertSink
	limiter *rate.Limiter
	limit   int
	logger  observability.Logger
	pending []schema.Alert
}

func newNotifier(sink AlertSink, perSecond float64, burst, limit int, logger observability.Logger) *notifier {
	perSecondLimit := rate.Inf
	if perSecond > 0 {
		perSecondLimit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	if limit <= 0 {
		limit = DefaultHistorySize * 10
	}
	return &notifier{sink: sink, limiter: rate.NewLimiter(perSecondLimit, burst), limit: limit, logger: logger}
}

// deliver is only called from Poll and returns the number still pending.
func (n *notifier) deliver(ctx context.Context, now time.Time, transitions []schema.Alert) int {
	if n.sink == nil {
		return 0
	}
	n.pending = append(n.pending, transitions...)
	if over := len(n.pending) - n.limit; over > 0 {
		n.logger.Error("alert notifications discarded", observability.F("count", over))
		n.pending = n.pending[over:]
	}
	sent := 0
	for _, a := range n.pending {
		if !n.limiter.AllowN(now, 1) {
			break
		}
		if err := n.sink.Notify(ctx, a); err != nil {
			n.logger.Error("alert notification failed",
				observability.F("id", a.ID),
				observability.F("kind", string(a.Kind)),
				observability.F("error", err))
			break
		}
		sent++
	}
	n.pending = n.pending[sent:]
	return len(n.pending)
}

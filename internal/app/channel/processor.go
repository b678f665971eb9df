package channel

import (
	"fmt"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// Outcome is the result of processing one market event.
type Outcome struct {
	Signals  []schema.DetectedEvent
	Filtered bool
	Reason   string
}

func filtered(reason string) Outcome {
	return Outcome{Filtered: true, Reason: reason}
}

// Processor is the filter and detector stage of a channel. Implementations are
// driven by a single goroutine and keep per-symbol state without locking.
type Processor interface {
	Kind() schema.Kind
	Process(evt schema.MarketEvent) (Outcome, error)
	Reset()
}

// NewProcessor builds the default processor for kind.
func NewProcessor(kind schema.Kind, cfg ProcessorConfig) (Processor, error) {
	switch kind {
	case schema.KindTick:
		return NewTickProcessor(cfg.Tick, cfg.Detectors), nil
	case schema.KindAggregate:
		return NewAggregateProcessor(cfg.Aggregate, cfg.Detectors), nil
	case schema.KindValuation:
		return NewValuationProcessor(cfg.Valuation, cfg.Detectors), nil
	default:
		return nil, errs.New("channel", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown channel kind %q", kind)))
	}
}

func wrongKind(want schema.Kind, evt schema.MarketEvent) error {
	got := schema.Kind("nil")
	if evt != nil {
		got = evt.Kind()
	}
	return errs.New("channel", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("%s processor received %s event", want, got)))
}

func stamp(signals []schema.DetectedEvent, frequency string, metrics map[string]float64) []schema.DetectedEvent {
	for i := range signals {
		signals[i].Frequency = frequency
		if len(metrics) > 0 {
			copied := make(map[string]float64, len(metrics))
			for k, v := range metrics {
				copied[k] = v
			}
			signals[i].Metrics = copied
		}
	}
	return signals
}

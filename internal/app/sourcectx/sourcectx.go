// Package sourcectx attaches provenance to detected signals at hand-off.
package sourcectx

import (
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// Manager assigns source priority and confidence. It keeps no state; a
// SourceContext lives only as long as the coordination window holding it.
type Manager struct{}

// New constructs a Manager.
func New() *Manager {
	return &Manager{}
}

// Attach builds the SourceContext for detected as produced by source.
// Valuation confidence is passed through from the channel metrics; every
// other source is fully trusted.
func (m *Manager) Attach(detected schema.DetectedEvent, source schema.Source) schema.SourceContext {
	confidence := 1.0
	if source == schema.SourceValuation {
		if c, ok := detected.Metrics[schema.MetricConfidence]; ok {
			confidence = clamp(c)
		}
	}
	metadata := make(map[string]any, len(detected.Metrics)+3)
	for k, v := range detected.Metrics {
		metadata[k] = v
	}
	metadata[schema.MetricConfidence] = confidence
	if detected.Channel != "" {
		metadata["channel"] = detected.Channel
	}
	if detected.Frequency != "" {
		metadata["frequency"] = detected.Frequency
	}
	return schema.SourceContext{
		Source:         source,
		SourcePriority: source.Priority(),
		Confidence:     confidence,
		Metadata:       metadata,
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

package schema

import (
	"strings"
	"time"
)

// SignalType classifies a detected signal.
type SignalType string

const (
	// SignalHigh marks a new session high.
	SignalHigh SignalType = "HIGH"
	// SignalLow marks a new session low.
	SignalLow SignalType = "LOW"
	// SignalSurge marks a volume or price surge over baseline.
	SignalSurge SignalType = "SURGE"
	// SignalTrend marks agreement across trailing trend windows.
	SignalTrend SignalType = "TREND"
)

// SignalTypes lists every signal type.
func SignalTypes() []SignalType {
	return []SignalType{SignalHigh, SignalLow, SignalSurge, SignalTrend}
}

// ParseSignalType normalises text into a SignalType.
func ParseSignalType(text string) (SignalType, bool) {
	typ := SignalType(strings.ToUpper(strings.TrimSpace(text)))
	switch typ {
	case SignalHigh, SignalLow, SignalSurge, SignalTrend:
		return typ, true
	default:
		return "", false
	}
}

// Distribution frequencies.
const (
	FrequencySecond = "per_second"
	FrequencyMinute = "per_minute"
)

// Metric keys recorded on DetectedEvent.Metrics and copied into SourceContext.Metadata.
const (
	MetricPercentChange  = "percentChange"
	MetricVolumeMultiple = "volumeMultiple"
	MetricDeviationPct   = "deviationPct"
	MetricConfidence     = "confidence"
)

// DetectedEvent is a raw signal emitted by a channel detector before cross-source resolution.
type DetectedEvent struct {
	Symbol     string     `json:"symbol"`
	Type       SignalType `json:"type"`
	Magnitude  float64    `json:"magnitude"`
	Direction  int        `json:"direction"`
	Value      float64    `json:"value"`
	DetectedAt time.Time  `json:"detectedAt"`
	RawSource  Source     `json:"rawSource"`
	Channel    string     `json:"channel"`
	Frequency  string     `json:"frequency"`
	// Metrics carries the filter inputs observed by the channel (percentChange, volumeMultiple, ...).
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SourceContext carries provenance attached to a DetectedEvent at hand-off.
type SourceContext struct {
	Source         Source         `json:"source"`
	SourcePriority int            `json:"sourcePriority"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Float returns a numeric metadata entry.
func (c SourceContext) Float(key string) (float64, bool) {
	raw, ok := c.Metadata[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ResolvedEvent is the single winner of a coordination window.
type ResolvedEvent struct {
	ID           string        `json:"id"`
	Event        DetectedEvent `json:"event"`
	Context      SourceContext `json:"context"`
	Candidates   int           `json:"candidates"`
	WindowOpened time.Time     `json:"windowOpened"`
	ResolvedAt   time.Time     `json:"resolvedAt"`
}

// Frequency returns the distribution frequency of the winning event.
func (r ResolvedEvent) Frequency() string {
	return r.Event.Frequency
}

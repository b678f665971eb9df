package schema

import "time"

// AlertKind classifies a monitored condition.
type AlertKind string

const (
	AlertChannelFailure AlertKind = "CHANNEL_FAILURE"
	AlertHighLatency    AlertKind = "HIGH_LATENCY"
	AlertLowSuccessRate AlertKind = "LOW_SUCCESS_RATE"
	AlertQueueOverflow  AlertKind = "QUEUE_OVERFLOW"
	AlertResourceUsage  AlertKind = "RESOURCE_USAGE"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert records a threshold crossing observed by the monitor.
type Alert struct {
	ID        string     `json:"id"`
	Kind      AlertKind  `json:"kind"`
	Severity  Severity   `json:"severity"`
	Component string     `json:"component"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	RaisedAt  time.Time  `json:"raisedAt"`
	ClearedAt *time.Time `json:"clearedAt,omitempty"`
}

// Active reports whether the alert has not been cleared.
func (a Alert) Active() bool {
	return a.ClearedAt == nil
}

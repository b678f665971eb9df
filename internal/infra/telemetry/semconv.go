package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by relay instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrChannel names the processing channel replica.
	AttrChannel = attribute.Key("channel")
	// AttrEventKind classifies the inbound market event variant (tick, aggregate, valuation).
	AttrEventKind = attribute.Key("event.kind")
	// AttrSignalType classifies detected and resolved signals (HIGH, LOW, SURGE, TREND).
	AttrSignalType = attribute.Key("signal.type")
	// AttrSource records the provenance of a signal.
	AttrSource = attribute.Key("source")
	// AttrFrequency labels distributor buffers.
	AttrFrequency = attribute.Key("frequency")
	// AttrReason provides context for rejections and drops.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrForwarder names the post-distribution forwarding target.
	AttrForwarder = attribute.Key("forwarder")
)

// ChannelAttributes returns attributes for channel worker metrics.
func ChannelAttributes(channel, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrChannel.String(channel),
		AttrEventKind.String(kind),
	}
}

// RouteAttributes returns attributes for routing outcome metrics.
func RouteAttributes(kind, result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEventKind.String(kind),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// SignalAttributes returns attributes for detected/resolved signal metrics.
func SignalAttributes(signalType, source string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrSignalType.String(signalType)}
	if source != "" {
		attrs = append(attrs, AttrSource.String(source))
	}
	return attrs
}

// BufferAttributes returns attributes for distributor buffer metrics.
func BufferAttributes(frequency, signalType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFrequency.String(frequency),
		AttrSignalType.String(signalType),
	}
}

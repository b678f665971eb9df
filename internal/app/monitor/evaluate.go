package monitor

import (
	"fmt"

	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

type observation struct {
	kind      schema.AlertKind
	severity  schema.Severity
	component string
	message   string
	value     float64
	threshold float64
}

// evaluate must be called with m.mu held; it advances the poll-delta baselines.
func (m *Monitor) evaluate(snap DashboardSnapshot) []observation {
	th := m.cfg.Thresholds
	var out []observation

	for _, ch := range snap.Channels {
		if ch.Circuit == router.CircuitOpen {
			out = append(out, observation{
				kind:      schema.AlertChannelFailure,
				severity:  schema.SeverityCritical,
				component: ch.Name,
				message:   fmt.Sprintf("circuit open after %d consecutive failures", ch.ConsecutiveFailures),
				value:     float64(ch.ConsecutiveFailures),
			})
		}
		switch {
		case th.QueueCritical > 0 && ch.Utilization > th.QueueCritical:
			out = append(out, queueObservation(ch, schema.SeverityCritical, th.QueueCritical))
		case th.QueueWarning > 0 && ch.Utilization > th.QueueWarning:
			out = append(out, queueObservation(ch, schema.SeverityWarning, th.QueueWarning))
		}
		if ch.Budget > 0 && ch.P99 > ch.Budget {
			out = append(out, observation{
				kind:      schema.AlertHighLatency,
				severity:  schema.SeverityWarning,
				component: ch.Name,
				message:   fmt.Sprintf("p99 %s exceeds budget %s", ch.P99, ch.Budget),
				value:     float64(ch.P99),
				threshold: float64(ch.Budget),
			})
		}
		if th.MinSuccessRate > 0 && ch.Samples > 0 && ch.SuccessRate < th.MinSuccessRate {
			out = append(out, observation{
				kind:      schema.AlertLowSuccessRate,
				severity:  schema.SeverityWarning,
				component: ch.Name,
				message:   fmt.Sprintf("success rate %.2f over %d results", ch.SuccessRate, ch.Samples),
				value:     ch.SuccessRate,
				threshold: th.MinSuccessRate,
			})
		}
	}

	if m.src.Router != nil {
		totals := m.src.Router.Totals()
		if prev := m.prevTotals; prev != nil && th.MaxRoutingFailureRate > 0 {
			failed := routingFailures(totals) - routingFailures(*prev)
			accepted := (totals.Routed + totals.Rerouted) - (prev.Routed + prev.Rerouted)
			if attempts := failed + accepted; attempts > 0 {
				rate := float64(failed) / float64(attempts)
				if rate > th.MaxRoutingFailureRate {
					out = append(out, observation{
						kind:      schema.AlertLowSuccessRate,
						severity:  schema.SeverityWarning,
						component: "router",
						message:   fmt.Sprintf("%d of %d events could not be routed since last poll", failed, attempts),
						value:     rate,
						threshold: th.MaxRoutingFailureRate,
					})
				}
			}
		}
		m.prevTotals = &totals
	}

	if m.src.Buffers != nil {
		overflow := snap.System.Overflow
		if overflow > m.prevOver {
			out = append(out, observation{
				kind:      schema.AlertQueueOverflow,
				severity:  schema.SeverityWarning,
				component: "distributor",
				message:   fmt.Sprintf("%d events dropped oldest-first since last poll", overflow-m.prevOver),
				value:     float64(overflow - m.prevOver),
			})
		}
		m.prevOver = overflow
	}

	if th.MaxHeapBytes > 0 && snap.System.Memory.HeapAlloc > th.MaxHeapBytes {
		out = append(out, observation{
			kind:      schema.AlertResourceUsage,
			severity:  schema.SeverityWarning,
			component: "process",
			message:   fmt.Sprintf("heap %d bytes", snap.System.Memory.HeapAlloc),
			value:     float64(snap.System.Memory.HeapAlloc),
			threshold: float64(th.MaxHeapBytes),
		})
	}
	return out
}

func queueObservation(ch ChannelDetail, sev schema.Severity, threshold float64) observation {
	return observation{
		kind:      schema.AlertQueueOverflow,
		severity:  sev,
		component: ch.Name,
		message:   fmt.Sprintf("queue %d/%d", ch.Depth, ch.Capacity),
		value:     ch.Utilization,
		threshold: threshold,
	}
}

// routingFailures excludes validation drops, which are never escalated.
func routingFailures(t router.Totals) uint64 {
	return t.RejectedTotal() - t.Rejected[router.ReasonInvalid]
}

package distributor

import "github.com/coachpo/marketrelay/internal/domain/schema"

// Stats summarises distributor buffers and counters.
//
// For any history observed through Status,
// Offered + Collected == Pulled + Total + InboxPending + Overflow + InboxOverflow.
// Stats returned by Pull cover the buffers only and leave the inbox fields zero.
type Stats struct {
	Offered       uint64                                  `json:"offered"`
	Collected     uint64                                  `json:"collected"`
	Pulled        uint64                                  `json:"pulled"`
	Total         int                                     `json:"buffered"`
	InboxPending  int                                     `json:"inboxPending"`
	Overflow      uint64                                  `json:"overflow"`
	InboxOverflow uint64                                  `json:"inboxOverflow"`
	Buffered      map[string]map[schema.SignalType]int    `json:"perBuffer"`
	Overflows     map[string]map[schema.SignalType]uint64 `json:"perBufferOverflow"`
	Capacities    map[schema.SignalType]int               `json:"capacities"`
}

// counters are mutated only under the buffer lock. collected counts direct
// Collect calls; events moved from the inbox are already counted as offered.
type counters struct {
	collected uint64
	pulled    uint64
	overflow  map[string]map[schema.SignalType]uint64
}

// computeStats derives Stats from buffer state passed in by value. It takes no
// locks and calls nothing that does, so it is safe to use while the buffer lock
// is held.
func computeStats(buffers map[string]map[schema.SignalType]*ring, c *counters, capacities map[schema.SignalType]int) Stats {
	stats := Stats{
		Collected:  c.collected,
		Pulled:     c.pulled,
		Buffered:   make(map[string]map[schema.SignalType]int, len(buffers)),
		Overflows:  make(map[string]map[schema.SignalType]uint64, len(c.overflow)),
		Capacities: make(map[schema.SignalType]int, len(capacities)),
	}
	for freq, byType := range buffers {
		sizes := make(map[schema.SignalType]int, len(byType))
		for typ, buf := range byType {
			sizes[typ] = buf.len()
			stats.Total += buf.len()
		}
		stats.Buffered[freq] = sizes
	}
	for freq, byType := range c.overflow {
		drops := make(map[schema.SignalType]uint64, len(byType))
		for typ, n := range byType {
			drops[typ] = n
			stats.Overflow += n
		}
		stats.Overflows[freq] = drops
	}
	for typ, capacity := range capacities {
		stats.Capacities[typ] = capacity
	}
	return stats
}

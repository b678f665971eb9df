package router

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// Strategy selects among same-kind channel replicas.
type Strategy string

// Supported strategies.
const (
	StrategyRoundRobin  Strategy = "ROUND_ROBIN"
	StrategyLoadBased   Strategy = "LOAD_BASED"
	StrategyHashBased   Strategy = "HASH_BASED"
	StrategyHealthBased Strategy = "HEALTH_BASED"
)

// ParseStrategy normalises text into a Strategy; empty selects HEALTH_BASED.
func ParseStrategy(text string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.TrimSpace(text)))
	switch s {
	case "":
		return StrategyHealthBased, nil
	case StrategyRoundRobin, StrategyLoadBased, StrategyHashBased, StrategyHealthBased:
		return s, nil
	default:
		return "", errs.New("router", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown routing strategy %q", text)))
	}
}

// order returns candidates in preference order; the first is the primary target
// and the rest are backups. Callers hold the router lock.
func (r *Router) order(kind schema.Kind, candidates []*entry, evt schema.MarketEvent) []*entry {
	ordered := slices.Clone(candidates)
	if len(ordered) < 2 {
		return ordered
	}
	switch r.strategy {
	case StrategyRoundRobin:
		start := r.cursor[kind] % len(ordered)
		r.cursor[kind]++
		return rotate(ordered, start)
	case StrategyHashBased:
		h := fnv.New32a()
		_, _ = h.Write([]byte(evt.Meta().Symbol))
		return rotate(ordered, int(h.Sum32()%uint32(len(ordered))))
	case StrategyLoadBased:
		slices.SortStableFunc(ordered, func(a, b *entry) int {
			if c := cmp.Compare(a.load(), b.load()); c != 0 {
				return c
			}
			return cmp.Compare(a.lastUsed, b.lastUsed)
		})
		return ordered
	default:
		slices.SortStableFunc(ordered, func(a, b *entry) int {
			if c := cmp.Compare(r.health(a).rank(), r.health(b).rank()); c != 0 {
				return c
			}
			if c := cmp.Compare(a.target.Depth(), b.target.Depth()); c != 0 {
				return c
			}
			return cmp.Compare(a.lastUsed, b.lastUsed)
		})
		return ordered
	}
}

func rotate(entries []*entry, start int) []*entry {
	out := make([]*entry, 0, len(entries))
	out = append(out, entries[start:]...)
	return append(out, entries[:start]...)
}

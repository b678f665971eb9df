// Package rules implements the central source-specific gate applied before
// coordination, and the override rules used as the coordinator's last
// content-based tie-break.
package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// Thresholds maps a named threshold ("minPercentChange", "maxDeviationPct") to its bound.
// A "min" prefix requires metric >= bound and "max" requires metric <= bound, where
// the metric is the remainder of the name with a lower-case first letter.
type Thresholds map[string]float64

// Set maps each source to its thresholds. Sources without an entry always pass.
type Set map[schema.Source]Thresholds

// DefaultSet mirrors the channel-level filters.
func DefaultSet() Set {
	return Set{
		schema.SourceAggregate: {"minPercentChange": 1.0, "minVolumeMultiple": 1.5},
		schema.SourceValuation: {"minConfidence": 0.7, "maxDeviationPct": 5.0},
	}
}

// Clone deep-copies the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for source, thresholds := range s {
		copied := make(Thresholds, len(thresholds))
		for k, v := range thresholds {
			copied[k] = v
		}
		out[source] = copied
	}
	return out
}

// Decision is the result of evaluating a context.
type Decision struct {
	Pass bool
	// Rule names the first failing threshold.
	Rule   string
	Reason string
}

type bound struct {
	name   string
	metric string
	min    bool
	value  float64
}

type compiled map[schema.Source][]bound

// Engine evaluates SourceContexts against the active rule set. Rules can be
// replaced at runtime; evaluation always sees a complete set.
type Engine struct {
	mu       sync.RWMutex
	raw      Set
	compiled compiled

	passed   atomic.Uint64
	rejected atomic.Uint64
}

// NewEngine validates and installs set.
func NewEngine(set Set) (*Engine, error) {
	e := &Engine{}
	if err := e.Replace(set); err != nil {
		return nil, err
	}
	return e, nil
}

// Replace validates set and swaps it in atomically.
func (e *Engine) Replace(set Set) error {
	c, err := compile(set)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.raw = set.Clone()
	e.compiled = c
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the active set.
func (e *Engine) Rules() Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.raw.Clone()
}

// Evaluate checks ctx against its source thresholds. A threshold whose metric
// is absent from the context metadata fails.
func (e *Engine) Evaluate(ctx schema.SourceContext) Decision {
	e.mu.RLock()
	bounds := e.compiled[ctx.Source]
	e.mu.RUnlock()

	for _, b := range bounds {
		value, ok := ctx.Float(b.metric)
		if !ok {
			e.rejected.Add(1)
			return Decision{Rule: b.name, Reason: "metric " + b.metric + " missing"}
		}
		if (b.min && value < b.value) || (!b.min && value > b.value) {
			e.rejected.Add(1)
			return Decision{Rule: b.name, Reason: fmt.Sprintf("%s=%g violates %s=%g", b.metric, value, b.name, b.value)}
		}
	}
	e.passed.Add(1)
	return Decision{Pass: true}
}

// Counts returns how many contexts passed and were rejected.
func (e *Engine) Counts() (passed, rejected uint64) {
	return e.passed.Load(), e.rejected.Load()
}

func compile(set Set) (compiled, error) {
	out := make(compiled, len(set))
	for source, thresholds := range set {
		if !source.Valid() {
			return nil, errs.New("rules", errs.CodeInvalid, errs.WithMessage("unknown source"), errs.WithField("source", string(source)))
		}
		names := make([]string, 0, len(thresholds))
		for name := range thresholds {
			names = append(names, name)
		}
		sort.Strings(names)
		bounds := make([]bound, 0, len(names))
		for _, name := range names {
			b, err := parseBound(name, thresholds[name])
			if err != nil {
				return nil, errs.New("rules", errs.CodeInvalid, errs.WithCause(err), errs.WithField("source", string(source)))
			}
			bounds = append(bounds, b)
		}
		out[source] = bounds
	}
	return out, nil
}

func parseBound(name string, value float64) (bound, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return bound{}, fmt.Errorf("threshold %s must be finite", name)
	}
	var min bool
	var rest string
	switch {
	case strings.HasPrefix(name, "min"):
		min, rest = true, strings.TrimPrefix(name, "min")
	case strings.HasPrefix(name, "max"):
		rest = strings.TrimPrefix(name, "max")
	default:
		return bound{}, fmt.Errorf("threshold %s must start with min or max", name)
	}
	if rest == "" || !unicode.IsUpper(rune(rest[0])) {
		return bound{}, fmt.Errorf("threshold %s must name a metric", name)
	}
	metric := string(unicode.ToLower(rune(rest[0]))) + rest[1:]
	return bound{name: name, metric: metric, min: min, value: value}, nil
}

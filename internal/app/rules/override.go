package rules

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// Candidate is one detected signal competing in a coordination window.
type Candidate struct {
	Event   schema.DetectedEvent
	Context schema.SourceContext
}

// Override breaks ties left after priority, recency and confidence. Prefer
// returns a negative number when a should win, positive when b should win and
// zero when the rule has no preference.
type Override interface {
	Name() string
	Prefer(a, b Candidate) (int, error)
}

// MagnitudeOverride prefers the larger absolute magnitude.
type MagnitudeOverride struct{}

// Name implements Override.
func (MagnitudeOverride) Name() string { return "magnitude" }

// Prefer implements Override.
func (MagnitudeOverride) Prefer(a, b Candidate) (int, error) {
	ma, mb := math.Abs(a.Event.Magnitude), math.Abs(b.Event.Magnitude)
	switch {
	case ma > mb:
		return -1, nil
	case ma < mb:
		return 1, nil
	default:
		return 0, nil
	}
}

// OverrideSpec configures an override rule for one signal type.
type OverrideSpec struct {
	Strategy string `yaml:"strategy" json:"strategy,omitempty"`
	Script   string `yaml:"script" json:"script,omitempty"`
}

// BuildOverrides compiles specs keyed by signal type.
func BuildOverrides(specs map[schema.SignalType]OverrideSpec) (map[schema.SignalType]Override, error) {
	out := make(map[schema.SignalType]Override, len(specs))
	for typ, spec := range specs {
		override, err := buildOverride(typ, spec)
		if err != nil {
			return nil, err
		}
		out[typ] = override
	}
	return out, nil
}

func buildOverride(typ schema.SignalType, spec OverrideSpec) (Override, error) {
	strategy := strings.ToLower(strings.TrimSpace(spec.Strategy))
	script := strings.TrimSpace(spec.Script)
	switch {
	case script != "" && strategy != "" && strategy != "script":
		return nil, errs.New("rules/override", errs.CodeInvalid,
			errs.WithMessage("strategy and script are mutually exclusive"), errs.WithField("type", string(typ)))
	case script != "":
		return NewScriptOverride(string(typ), script)
	case strategy == "magnitude":
		return MagnitudeOverride{}, nil
	default:
		return nil, errs.New("rules/override", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown override strategy %q", spec.Strategy)), errs.WithField("type", string(typ)))
	}
}

// scriptCandidate is the JS-visible view of a Candidate.
type scriptCandidate struct {
	Symbol         string         `json:"symbol"`
	Type           string         `json:"type"`
	Magnitude      float64        `json:"magnitude"`
	Direction      int            `json:"direction"`
	Value          float64        `json:"value"`
	DetectedAt     int64          `json:"detectedAt"`
	Source         string         `json:"source"`
	SourcePriority int            `json:"sourcePriority"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata"`
}

func toScript(c Candidate) scriptCandidate {
	return scriptCandidate{
		Symbol:         c.Event.Symbol,
		Type:           string(c.Event.Type),
		Magnitude:      c.Event.Magnitude,
		Direction:      c.Event.Direction,
		Value:          c.Event.Value,
		DetectedAt:     c.Event.DetectedAt.UnixMilli(),
		Source:         string(c.Context.Source),
		SourcePriority: c.Context.SourcePriority,
		Confidence:     c.Context.Confidence,
		Metadata:       c.Context.Metadata,
	}
}

// scriptTimeout bounds a single prefer call.
const scriptTimeout = 50 * time.Millisecond

// ScriptOverride evaluates a JavaScript prefer(a, b) function. The script may
// declare prefer globally or export it via module.exports.
type ScriptOverride struct {
	name    string
	mu      sync.Mutex
	rt      *goja.Runtime
	prefer  goja.Callable
	timeout time.Duration
}

// NewScriptOverride compiles and runs source, then resolves prefer.
func NewScriptOverride(name, source string) (*ScriptOverride, error) {
	program, err := goja.Compile(name+".js", source, true)
	if err != nil {
		return nil, errs.New("rules/script", errs.CodeInvalid, errs.WithMessage("compile override script"), errs.WithCause(err), errs.WithField("type", name))
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("override module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("override module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("override module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("rules/script", errs.CodeInvalid, errs.WithMessage("run override script"), errs.WithCause(err), errs.WithField("type", name))
	}

	value := module.Get("exports").ToObject(rt).Get("prefer")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		value = rt.Get("prefer")
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("rules/script", errs.CodeInvalid, errs.WithMessage("override script must define prefer(a, b)"), errs.WithField("type", name))
	}
	return &ScriptOverride{name: name, rt: rt, prefer: callable, timeout: scriptTimeout}, nil
}

// Name implements Override.
func (s *ScriptOverride) Name() string { return "script:" + s.name }

// Prefer implements Override.
func (s *ScriptOverride) Prefer(a, b Candidate) (result int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fired := make(chan struct{})
	timer := time.AfterFunc(s.timeout, func() {
		s.rt.Interrupt("override script timeout")
		close(fired)
	})
	defer func() {
		// A callback that already started must finish before the interrupt is
		// cleared, or it would abort the next call.
		if !timer.Stop() {
			<-fired
		}
		s.rt.ClearInterrupt()
	}()

	value, err := s.prefer(goja.Undefined(), s.rt.ToValue(toScript(a)), s.rt.ToValue(toScript(b)))
	if err != nil {
		return 0, errs.New("rules/script", errs.CodeInternal, errs.WithMessage("prefer failed"), errs.WithCause(err), errs.WithField("type", s.name))
	}
	n := value.ToFloat()
	switch {
	case math.IsNaN(n) || n == 0:
		return 0, nil
	case n < 0:
		return -1, nil
	default:
		return 1, nil
	}
}

// Package monitor observes channel, router and distributor counters, raises
// alerts on threshold crossings and exposes a dashboard snapshot.
package monitor

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/marketrelay/internal/app/channel"
	"github.com/coachpo/marketrelay/internal/app/coordinator"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/observability"
)

// Defaults.
const (
	DefaultInterval    = 5 * time.Second
	DefaultDebounce    = 30 * time.Second
	DefaultHistorySize = 100
)

// Thresholds configure when alerts are raised.
type Thresholds struct {
	QueueWarning  float64 `yaml:"queueWarning"`
	QueueCritical float64 `yaml:"queueCritical"`
	// MinSuccessRate applies to each channel's reported result window.
	MinSuccessRate float64 `yaml:"minSuccessRate"`
	// MaxRoutingFailureRate applies to router rejections between two polls.
	MaxRoutingFailureRate float64 `yaml:"maxRoutingFailureRate"`
	// MaxHeapBytes disables the resource check when zero.
	MaxHeapBytes uint64 `yaml:"maxHeapBytes"`
}

// DefaultThresholds returns 75%/95% queue utilisation, 95% success and 5% routing failures.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueWarning:          0.75,
		QueueCritical:         0.95,
		MinSuccessRate:        0.95,
		MaxRoutingFailureRate: 0.05,
	}
}

// Config tunes the monitor.
type Config struct {
	Interval    time.Duration
	Debounce    time.Duration
	HistorySize int
	Thresholds  Thresholds
	// NotifyRate limits sink notifications per second; zero means unlimited.
	NotifyRate  float64
	NotifyBurst int
}

// RouterView exposes routing state.
type RouterView interface {
	Snapshot() []router.ChannelState
	Totals() router.Totals
}

// ChannelView exposes per-channel worker statistics.
type ChannelView interface {
	ChannelStats() []channel.Stats
}

// BufferView exposes distributor buffer statistics.
type BufferView interface {
	Status() distributor.Stats
}

// CoordinatorView exposes coordinator window counters.
type CoordinatorView interface {
	Stats() coordinator.Stats
}

// Sources groups the observed components. Nil members are skipped.
type Sources struct {
	Router      RouterView
	Channels    ChannelView
	Buffers     BufferView
	Coordinator CoordinatorView
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger overrides the monitor logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSink registers an alert sink for raise and clear notifications.
func WithSink(s AlertSink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithMemoryReader overrides the heap usage probe.
func WithMemoryReader(read func() MemoryUsage) Option {
	return func(m *Monitor) { m.readMemory = read }
}

// MemoryUsage is the process memory sample taken on each poll.
type MemoryUsage struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

func readRuntimeMemory() MemoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryUsage{HeapAlloc: ms.HeapAlloc, Sys: ms.Sys, Goroutines: runtime.NumGoroutine()}
}

// SystemTotals aggregates counters across all components.
type SystemTotals struct {
	Channels        int         `json:"channels"`
	Healthy         int         `json:"healthy"`
	Degraded        int         `json:"degraded"`
	Unavailable     int         `json:"unavailable"`
	Routed          uint64      `json:"routed"`
	Rerouted        uint64      `json:"rerouted"`
	Rejected        uint64      `json:"rejected"`
	Processed       uint64      `json:"processed"`
	Failed          uint64      `json:"failed"`
	Filtered        uint64      `json:"filtered"`
	Detected        uint64      `json:"detected"`
	OpenWindows     int         `json:"openWindows"`
	Resolved        uint64      `json:"resolved"`
	Buffered        int         `json:"buffered"`
	Pulled          uint64      `json:"pulled"`
	Overflow        uint64      `json:"overflow"`
	Memory          MemoryUsage `json:"memory"`
	ActiveAlerts    int         `json:"activeAlerts"`
	PendingNotifies int         `json:"pendingNotifications"`
}

// ChannelDetail joins router state with worker statistics for one channel.
type ChannelDetail struct {
	router.ChannelState
	Processed   uint64        `json:"processed"`
	Failed      uint64        `json:"failed"`
	Filtered    uint64        `json:"filtered"`
	Emitted     uint64        `json:"emitted"`
	Utilization float64       `json:"utilization"`
	Budget      time.Duration `json:"latencyBudget"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
}

// DashboardSnapshot is the read-only monitoring view.
type DashboardSnapshot struct {
	GeneratedAt  time.Time         `json:"generatedAt"`
	System       SystemTotals      `json:"system"`
	Channels     []ChannelDetail   `json:"channels"`
	Buffers      distributor.Stats `json:"buffers"`
	ActiveAlerts []schema.Alert    `json:"activeAlerts"`
	RecentAlerts []schema.Alert    `json:"recentAlerts"`
}

type alertKey struct {
	kind      schema.AlertKind
	component string
}

type tracked struct {
	alert      schema.Alert
	lastBreach time.Time
}

// Monitor polls Sources on a fixed interval. It never mutates observed components.
type Monitor struct {
	cfg        Config
	src        Sources
	now        func() time.Time
	logger     observability.Logger
	sink       AlertSink
	readMemory func() MemoryUsage
	notify     *notifier

	// pollMu serialises polls; mu guards alert state and the last snapshot.
	pollMu     sync.Mutex
	mu         sync.Mutex
	active     map[alertKey]*tracked
	history    []schema.Alert
	last       DashboardSnapshot
	prevTotals *router.Totals
	prevOver   uint64
	polled     bool
}

// New constructs a Monitor.
func New(cfg Config, src Sources, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	m := &Monitor{
		cfg:        cfg,
		src:        src,
		now:        time.Now,
		readMemory: readRuntimeMemory,
		active:     make(map[alertKey]*tracked),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.OrDefault(m.logger)
	m.notify = newNotifier(m.sink, cfg.NotifyRate, cfg.NotifyBurst, cfg.HistorySize*10, m.logger)
	return m
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Poll(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll samples every source, updates alert state, delivers pending
// notifications and returns the resulting dashboard snapshot.
func (m *Monitor) Poll(ctx context.Context) DashboardSnapshot {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	now := m.now()
	snap := m.sample(now)

	m.mu.Lock()
	obs := m.evaluate(snap)
	transitions := m.apply(obs, now)
	snap.ActiveAlerts = m.activeLocked()
	snap.RecentAlerts = slices.Clone(m.history)
	snap.System.ActiveAlerts = len(snap.ActiveAlerts)
	m.mu.Unlock()

	for _, a := range transitions {
		if a.Active() {
			m.logger.Info("alert raised",
				observability.F("kind", string(a.Kind)),
				observability.F("severity", string(a.Severity)),
				observability.F("component", a.Component),
				observability.F("value", a.Value),
				observability.F("threshold", a.Threshold))
		} else {
			m.logger.Info("alert cleared",
				observability.F("kind", string(a.Kind)),
				observability.F("component", a.Component))
		}
	}
	snap.System.PendingNotifies = m.notify.deliver(ctx, now, transitions)

	m.mu.Lock()
	m.last = snap
	m.polled = true
	m.mu.Unlock()
	return snap
}

// GetDashboardData returns the snapshot from the latest poll, polling once if
// none has happened yet.
func (m *Monitor) GetDashboardData(ctx context.Context) DashboardSnapshot {
	m.mu.Lock()
	polled, snap := m.polled, m.last
	m.mu.Unlock()
	if !polled {
		return m.Poll(ctx)
	}
	return snap
}

// ActiveAlerts returns currently raised alerts ordered by raise time.
func (m *Monitor) ActiveAlerts() []schema.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// History returns cleared alerts, oldest first.
func (m *Monitor) History() []schema.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func (m *Monitor) activeLocked() []schema.Alert {
	out := make([]schema.Alert, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.alert)
	}
	slices.SortFunc(out, func(a, b schema.Alert) int {
		if c := a.RaisedAt.Compare(b.RaisedAt); c != 0 {
			return c
		}
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		if a.Component < b.Component {
			return -1
		}
		if a.Component > b.Component {
			return 1
		}
		return 0
	})
	return out
}

func (m *Monitor) sample(now time.Time) DashboardSnapshot {
	snap := DashboardSnapshot{GeneratedAt: now}
	byName := map[string]channel.Stats{}
	if m.src.Channels != nil {
		for _, s := range m.src.Channels.ChannelStats() {
			byName[s.Name] = s
			snap.System.Processed += s.Processed
			snap.System.Failed += s.Failed
			snap.System.Filtered += s.Filtered
			snap.System.Detected += s.Emitted
		}
	}
	if m.src.Router != nil {
		for _, state := range m.src.Router.Snapshot() {
			detail := ChannelDetail{ChannelState: state}
			if s, ok := byName[state.Name]; ok {
				detail.Processed, detail.Failed = s.Processed, s.Failed
				detail.Filtered, detail.Emitted = s.Filtered, s.Emitted
				detail.Budget = s.LatencyBudget
				detail.P50, detail.P95, detail.P99 = s.P50, s.P95, s.P99
			}
			if state.Capacity > 0 {
				detail.Utilization = float64(state.Depth) / float64(state.Capacity)
			}
			snap.Channels = append(snap.Channels, detail)
			switch state.Health {
			case router.HealthHealthy:
				snap.System.Healthy++
			case router.HealthDegraded:
				snap.System.Degraded++
			case router.HealthUnavailable:
				snap.System.Unavailable++
			}
		}
		totals := m.src.Router.Totals()
		snap.System.Routed = totals.Routed
		snap.System.Rerouted = totals.Rerouted
		snap.System.Rejected = totals.RejectedTotal()
	}
	snap.System.Channels = len(snap.Channels)
	if m.src.Coordinator != nil {
		cs := m.src.Coordinator.Stats()
		snap.System.OpenWindows = cs.Open
		snap.System.Resolved = cs.Resolved
	}
	if m.src.Buffers != nil {
		snap.Buffers = m.src.Buffers.Status()
		snap.System.Buffered = snap.Buffers.Total + snap.Buffers.InboxPending
		snap.System.Pulled = snap.Buffers.Pulled
		snap.System.Overflow = snap.Buffers.Overflow + snap.Buffers.InboxOverflow
	}
	if m.readMemory != nil {
		snap.System.Memory = m.readMemory()
	}
	return snap
}

// apply must be called with m.mu held. It returns raise, escalation and clear
// transitions in a stable order.
func (m *Monitor) apply(obs []observation, now time.Time) []schema.Alert {
	var transitions []schema.Alert
	breached := make(map[alertKey]struct{}, len(obs))
	for _, o := range obs {
		key := alertKey{kind: o.kind, component: o.component}
		breached[key] = struct{}{}
		if t, ok := m.active[key]; ok {
			t.lastBreach = now
			t.alert.Value = o.value
			t.alert.Message = o.message
			if t.alert.Severity != o.severity {
				t.alert.Severity = o.severity
				t.alert.Threshold = o.threshold
				transitions = append(transitions, t.alert)
			}
			continue
		}
		a := schema.Alert{
			ID:        uuid.NewString(),
			Kind:      o.kind,
			Severity:  o.severity,
			Component: o.component,
			Message:   o.message,
			Value:     o.value,
			Threshold: o.threshold,
			RaisedAt:  now,
		}
		m.active[key] = &tracked{alert: a, lastBreach: now}
		transitions = append(transitions, a)
	}

	var cleared []alertKey
	for key, t := range m.active {
		if _, still := breached[key]; still {
			continue
		}
		if now.Sub(t.lastBreach) >= m.cfg.Debounce {
			cleared = append(cleared, key)
		}
	}
	slices.SortFunc(cleared, func(a, b alertKey) int {
		return m.active[a].alert.RaisedAt.Compare(m.active[b].alert.RaisedAt)
	})
	for _, key := range cleared {
		t := m.active[key]
		at := now
		t.alert.ClearedAt = &at
		delete(m.active, key)
		m.history = append(m.history, t.alert)
		if over := len(m.history) - m.cfg.HistorySize; over > 0 {
			m.history = slices.Delete(m.history, 0, over)
		}
		transitions = append(transitions, t.alert)
	}
	return transitions
}

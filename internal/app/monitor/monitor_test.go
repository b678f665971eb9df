package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketrelay/internal/app/channel"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/testutil"
)

type fakeRouter struct {
	states []router.ChannelState
	totals router.Totals
}

func (f *fakeRouter) Snapshot() []router.ChannelState { return f.states }
func (f *fakeRouter) Totals() router.Totals          { return f.totals }

type fakeChannels []channel.Stats

func (f fakeChannels) ChannelStats() []channel.Stats { return f }

type fakeBuffers struct{ stats distributor.Stats }

func (f *fakeBuffers) Status() distributor.Stats { return f.stats }

func healthyState(name string) router.ChannelState {
	return router.ChannelState{
		Name:        name,
		Kind:        schema.KindTick,
		Health:      router.HealthHealthy,
		Circuit:     router.CircuitClosed,
		SuccessRate: 1,
		Capacity:    100,
	}
}

func newMonitor(t *testing.T, src Sources, opts ...Option) (*Monitor, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	cfg := Config{Debounce: 10 * time.Second, HistorySize: 3}
	opts = append([]Option{WithClock(clock.Now), WithMemoryReader(func() MemoryUsage { return MemoryUsage{} })}, opts...)
	return New(cfg, src, opts...), clock
}

func findAlert(alerts []schema.Alert, kind schema.AlertKind, component string) (schema.Alert, bool) {
	for _, a := range alerts {
		if a.Kind == kind && a.Component == component {
			return a, true
		}
	}
	return schema.Alert{}, false
}

func TestQueueUtilisationSeverity(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("tick-a")}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	m, _ := newMonitor(t, Sources{Router: r})
	ctx := context.Background()

	r.states[0].Depth = 70
	require.Empty(t, m.Poll(ctx).ActiveAlerts)

	r.states[0].Depth = 80
	snap := m.Poll(ctx)
	a, ok := findAlert(snap.ActiveAlerts, schema.AlertQueueOverflow, "tick-a")
	require.True(t, ok)
	require.Equal(t, schema.SeverityWarning, a.Severity)

	r.states[0].Depth = 96
	snap = m.Poll(ctx)
	a, ok = findAlert(snap.ActiveAlerts, schema.AlertQueueOverflow, "tick-a")
	require.True(t, ok)
	require.Equal(t, schema.SeverityCritical, a.Severity)
	require.Len(t, snap.ActiveAlerts, 1)
}

func TestCircuitOpenRaisesCriticalAndClearsAfterDebounce(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("agg-a")}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	var notified []schema.Alert
	sink := SinkFunc(func(_ context.Context, a schema.Alert) error {
		notified = append(notified, a)
		return nil
	})
	m, clock := newMonitor(t, Sources{Router: r}, WithSink(sink))
	ctx := context.Background()

	r.states[0].Circuit = router.CircuitOpen
	r.states[0].Health = router.HealthUnavailable
	r.states[0].ConsecutiveFailures = 5
	snap := m.Poll(ctx)
	a, ok := findAlert(snap.ActiveAlerts, schema.AlertChannelFailure, "agg-a")
	require.True(t, ok)
	require.Equal(t, schema.SeverityCritical, a.Severity)
	require.Equal(t, 1, snap.System.Unavailable)

	r.states[0].Circuit = router.CircuitClosed
	r.states[0].Health = router.HealthHealthy
	clock.Advance(5 * time.Second)
	require.Len(t, m.Poll(ctx).ActiveAlerts, 1, "debounce keeps the alert")

	clock.Advance(5 * time.Second)
	snap = m.Poll(ctx)
	require.Empty(t, snap.ActiveAlerts)
	require.Len(t, snap.RecentAlerts, 1)
	require.NotNil(t, snap.RecentAlerts[0].ClearedAt)

	require.Len(t, notified, 2)
	require.True(t, notified[0].Active())
	require.False(t, notified[1].Active())
	require.Equal(t, notified[0].ID, notified[1].ID)
}

func TestBreachResetsDebounce(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("tick-a")}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	m, clock := newMonitor(t, Sources{Router: r})
	ctx := context.Background()

	r.states[0].Circuit = router.CircuitOpen
	m.Poll(ctx)
	clock.Advance(8 * time.Second)
	m.Poll(ctx)
	r.states[0].Circuit = router.CircuitClosed
	clock.Advance(8 * time.Second)
	require.Len(t, m.Poll(ctx).ActiveAlerts, 1)
	clock.Advance(2 * time.Second)
	require.Empty(t, m.Poll(ctx).ActiveAlerts)
}

func TestLatencyAndSuccessRate(t *testing.T) {
	state := healthyState("val-a")
	state.SuccessRate = 0.8
	state.Samples = 10
	r := &fakeRouter{states: []router.ChannelState{state}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	chans := fakeChannels{{Name: "val-a", LatencyBudget: 50 * time.Millisecond, P99: 80 * time.Millisecond, Processed: 3}}
	m, _ := newMonitor(t, Sources{Router: r, Channels: chans})

	snap := m.Poll(context.Background())
	_, ok := findAlert(snap.ActiveAlerts, schema.AlertHighLatency, "val-a")
	require.True(t, ok)
	_, ok = findAlert(snap.ActiveAlerts, schema.AlertLowSuccessRate, "val-a")
	require.True(t, ok)
	require.Equal(t, uint64(3), snap.Channels[0].Processed)
	require.Equal(t, uint64(3), snap.System.Processed)
}

func TestRoutingFailureRateIgnoresValidationDrops(t *testing.T) {
	r := &fakeRouter{totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	m, _ := newMonitor(t, Sources{Router: r})
	ctx := context.Background()
	m.Poll(ctx)

	r.totals = router.Totals{Routed: 100, Rejected: map[router.Reason]uint64{router.ReasonInvalid: 50}}
	require.Empty(t, m.Poll(ctx).ActiveAlerts)

	r.totals = router.Totals{Routed: 110, Rejected: map[router.Reason]uint64{router.ReasonInvalid: 50, router.ReasonNoChannel: 10}}
	snap := m.Poll(ctx)
	a, ok := findAlert(snap.ActiveAlerts, schema.AlertLowSuccessRate, "router")
	require.True(t, ok)
	require.InDelta(t, 0.5, a.Value, 1e-9)
}

func TestOverflowGrowthAlerts(t *testing.T) {
	b := &fakeBuffers{}
	m, clock := newMonitor(t, Sources{Buffers: b})
	ctx := context.Background()
	require.Empty(t, m.Poll(ctx).ActiveAlerts)

	b.stats.Overflow = 200
	snap := m.Poll(ctx)
	a, ok := findAlert(snap.ActiveAlerts, schema.AlertQueueOverflow, "distributor")
	require.True(t, ok)
	require.Equal(t, float64(200), a.Value)
	require.Equal(t, uint64(200), snap.System.Overflow)

	clock.Advance(time.Minute)
	require.Empty(t, m.Poll(ctx).ActiveAlerts, "steady counter clears")
}

func TestResourceUsage(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	th := DefaultThresholds()
	th.MaxHeapBytes = 1024
	m := New(Config{Thresholds: th}, Sources{}, WithClock(clock.Now),
		WithMemoryReader(func() MemoryUsage { return MemoryUsage{HeapAlloc: 4096} }))
	snap := m.Poll(context.Background())
	_, ok := findAlert(snap.ActiveAlerts, schema.AlertResourceUsage, "process")
	require.True(t, ok)
	require.Equal(t, uint64(4096), snap.System.Memory.HeapAlloc)
}

func TestFailedNotificationsRetryNextPoll(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("tick-a")}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	fail := true
	var delivered []schema.Alert
	sink := SinkFunc(func(_ context.Context, a schema.Alert) error {
		if fail {
			return errors.New("sink down")
		}
		delivered = append(delivered, a)
		return nil
	})
	m, _ := newMonitor(t, Sources{Router: r}, WithSink(sink))
	ctx := context.Background()

	r.states[0].Circuit = router.CircuitOpen
	snap := m.Poll(ctx)
	require.Equal(t, 1, snap.System.PendingNotifies)
	require.Len(t, snap.ActiveAlerts, 1, "collection continues while the sink fails")

	fail = false
	snap = m.Poll(ctx)
	require.Zero(t, snap.System.PendingNotifies)
	require.Len(t, delivered, 1)
}

func TestNotificationRateLimit(t *testing.T) {
	states := []router.ChannelState{healthyState("a"), healthyState("b"), healthyState("c")}
	for i := range states {
		states[i].Circuit = router.CircuitOpen
	}
	r := &fakeRouter{states: states, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	var delivered int
	sink := SinkFunc(func(context.Context, schema.Alert) error { delivered++; return nil })
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	m := New(Config{NotifyRate: 1, NotifyBurst: 1}, Sources{Router: r}, WithClock(clock.Now), WithSink(sink))
	ctx := context.Background()

	require.Equal(t, 2, m.Poll(ctx).System.PendingNotifies)
	require.Equal(t, 1, delivered)
	clock.Advance(time.Second)
	require.Equal(t, 1, m.Poll(ctx).System.PendingNotifies)
	clock.Advance(time.Second)
	require.Zero(t, m.Poll(ctx).System.PendingNotifies)
	require.Equal(t, 3, delivered)
}

func TestHistoryIsBounded(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("tick-a")}, totals: router.Totals{Rejected: map[router.Reason]uint64{}}}
	m, clock := newMonitor(t, Sources{Router: r})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.states[0].Circuit = router.CircuitOpen
		m.Poll(ctx)
		r.states[0].Circuit = router.CircuitClosed
		clock.Advance(10 * time.Second)
		m.Poll(ctx)
	}
	require.Len(t, m.History(), 3)
}

func TestDashboardPollsLazily(t *testing.T) {
	r := &fakeRouter{states: []router.ChannelState{healthyState("tick-a")}, totals: router.Totals{Routed: 7, Rejected: map[router.Reason]uint64{}}}
	m, _ := newMonitor(t, Sources{Router: r})
	snap := m.GetDashboardData(context.Background())
	require.Equal(t, uint64(7), snap.System.Routed)
	require.Equal(t, 1, snap.System.Healthy)
	require.Len(t, snap.Channels, 1)
}

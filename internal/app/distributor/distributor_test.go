package distributor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/testutil"
	"github.com/coachpo/marketrelay/lib/async"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func resolved(id string, typ schema.SignalType, freq string) schema.ResolvedEvent {
	return schema.ResolvedEvent{
		ID:    id,
		Event: schema.DetectedEvent{Symbol: "AAPL", Type: typ, Frequency: freq},
	}
}

func requireLaw(t *testing.T, s Stats) {
	t.Helper()
	in := s.Offered + s.Collected
	out := s.Pulled + uint64(s.Total) + uint64(s.InboxPending) + s.Overflow + s.InboxOverflow
	require.Equal(t, in, out, "stats %+v", s)
}

func TestOverflowDropsOldest(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < 1200; i++ {
		d.Collect(resolved(fmt.Sprintf("e%04d", i), schema.SignalSurge, schema.FrequencySecond))
	}

	events, stats := d.Pull([]string{schema.FrequencySecond}, true)
	require.Len(t, events[schema.SignalSurge], 1000)
	require.Equal(t, "e0200", events[schema.SignalSurge][0].ID)
	require.Equal(t, "e1199", events[schema.SignalSurge][999].ID)
	require.Equal(t, uint64(200), stats.Overflow)
	require.Equal(t, uint64(200), stats.Overflows[schema.FrequencySecond][schema.SignalSurge])
	require.Zero(t, stats.Total)
	requireLaw(t, d.Status())
}

func TestPeekIsIdempotent(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	d.Collect(
		resolved("a", schema.SignalHigh, schema.FrequencySecond),
		resolved("b", schema.SignalLow, schema.FrequencyMinute),
	)

	first, s1 := d.Pull(nil, false)
	second, s2 := d.Pull(nil, false)
	require.Equal(t, first, second)
	require.Equal(t, s1.Total, s2.Total)
	require.Equal(t, 2, s2.Total)
	require.Zero(t, s2.Pulled)

	_, s3 := d.Pull(nil, true)
	require.Zero(t, s3.Total)
	require.Equal(t, uint64(2), s3.Pulled)
}

func TestPullSelectsFrequencies(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	d.Collect(
		resolved("s", schema.SignalTrend, schema.FrequencySecond),
		resolved("m", schema.SignalTrend, schema.FrequencyMinute),
		resolved("x", schema.SignalTrend, "per_fortnight"),
	)

	events, stats := d.Pull([]string{schema.FrequencyMinute, "unknown"}, true)
	require.Len(t, events[schema.SignalTrend], 1)
	require.Equal(t, "m", events[schema.SignalTrend][0].ID)
	// Unknown event frequencies land in the first configured buffer.
	require.Equal(t, 2, stats.Buffered[schema.FrequencySecond][schema.SignalTrend])
}

func TestPullIgnoresRepeatedFrequencies(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	d.Collect(
		resolved("a", schema.SignalHigh, schema.FrequencySecond),
		resolved("b", schema.SignalHigh, schema.FrequencySecond),
	)

	peek, _ := d.Pull([]string{schema.FrequencySecond, schema.FrequencySecond}, false)
	require.Len(t, peek[schema.SignalHigh], 2)

	events, stats := d.Pull([]string{schema.FrequencySecond, schema.FrequencySecond}, true)
	require.Len(t, events[schema.SignalHigh], 2)
	require.Equal(t, uint64(2), stats.Pulled)
	requireLaw(t, d.Status())
}

func TestPerTypeCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacities = map[schema.SignalType]int{schema.SignalHigh: 2}
	d, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d.Collect(resolved(fmt.Sprint(i), schema.SignalHigh, schema.FrequencySecond))
		d.Collect(resolved(fmt.Sprint(i), schema.SignalLow, schema.FrequencySecond))
	}
	stats := d.Status()
	require.Equal(t, 2, stats.Buffered[schema.FrequencySecond][schema.SignalHigh])
	require.Equal(t, 5, stats.Buffered[schema.FrequencySecond][schema.SignalLow])
	require.Equal(t, uint64(3), stats.Overflow)

	cfg.Capacities = map[schema.SignalType]int{schema.SignalHigh: 0}
	_, err = New(cfg)
	require.Error(t, err)
}

func TestOfferMovesThroughInbox(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboxCapacity = 3
	d, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d.Offer(resolved(fmt.Sprint(i), schema.SignalSurge, schema.FrequencySecond))
	}
	stats := d.Status()
	require.Equal(t, 3, stats.InboxPending)
	require.Equal(t, uint64(2), stats.InboxOverflow)
	requireLaw(t, stats)

	require.Equal(t, 3, d.CollectPending())
	events, _ := d.Pull(nil, true)
	require.Equal(t, "2", events[schema.SignalSurge][0].ID)
	stats = d.Status()
	require.Zero(t, stats.InboxPending)
	requireLaw(t, stats)
}

func TestDistributeHonoursCadence(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	var batches []Batch
	d, err := New(DefaultConfig(), WithClock(clock.Now), WithConsumer(func(_ context.Context, b Batch) {
		batches = append(batches, b)
	}))
	require.NoError(t, err)
	ctx := context.Background()

	d.Collect(resolved("s1", schema.SignalHigh, schema.FrequencySecond), resolved("m1", schema.SignalHigh, schema.FrequencyMinute))
	b := d.Distribute(ctx)
	require.ElementsMatch(t, []string{schema.FrequencySecond, schema.FrequencyMinute}, b.Frequencies)
	require.Equal(t, 2, b.Len())

	d.Collect(resolved("s2", schema.SignalHigh, schema.FrequencySecond), resolved("m2", schema.SignalHigh, schema.FrequencyMinute))
	clock.Advance(time.Second)
	b = d.Distribute(ctx)
	require.Equal(t, []string{schema.FrequencySecond}, b.Frequencies)
	require.Equal(t, "s2", b.Events[schema.SignalHigh][0].ID)

	clock.Advance(time.Minute)
	b = d.Distribute(ctx)
	require.Equal(t, "m2", b.Events[schema.SignalHigh][0].ID)
	require.Len(t, batches, 3)
}

func TestConsumerPanicDoesNotStopDistribution(t *testing.T) {
	var got atomic.Int32
	d, err := New(DefaultConfig(),
		WithConsumer(func(context.Context, Batch) { panic("boom") }),
		WithConsumer(func(_ context.Context, b Batch) { got.Add(int32(b.Len())) }))
	require.NoError(t, err)
	d.Collect(resolved("a", schema.SignalLow, schema.FrequencySecond))
	d.DistributeAll(context.Background())
	require.Equal(t, int32(1), got.Load())
}

type recordingForwarder struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *recordingForwarder) Name() string { return "recording" }

func (f *recordingForwarder) Forward(_ context.Context, evt schema.ResolvedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, evt.ID)
	return f.err
}

func TestForwardersRunOnPool(t *testing.T) {
	pool, err := async.NewPool(2, 16)
	require.NoError(t, err)
	fwd := &recordingForwarder{}
	d, err := New(DefaultConfig(), WithForwarders(pool, fwd))
	require.NoError(t, err)

	d.Collect(resolved("a", schema.SignalHigh, schema.FrequencySecond), resolved("b", schema.SignalSurge, schema.FrequencySecond))
	d.DistributeAll(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	fwd.mu.Lock()
	require.ElementsMatch(t, []string{"a", "b"}, fwd.ids)
	fwd.mu.Unlock()
	ok, failed := d.ForwardCounts()
	require.Equal(t, uint64(2), ok)
	require.Zero(t, failed)
}

func TestConcurrentPhasesPreserveEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultCapacity = 50
	cfg.CollectInterval = time.Millisecond
	cfg.DistributeInterval = time.Millisecond
	cfg.Cadences = map[string]time.Duration{schema.FrequencySecond: time.Millisecond, schema.FrequencyMinute: time.Millisecond}

	var pulled atomic.Int64
	d, err := New(cfg, WithConsumer(func(_ context.Context, b Batch) { pulled.Add(int64(b.Len())) }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			types := schema.SignalTypes()
			for i := 0; i < perProducer; i++ {
				evt := resolved(fmt.Sprintf("%d-%d", p, i), types[i%len(types)], schema.FrequencySecond)
				if i%2 == 0 {
					d.Offer(evt)
				} else {
					d.Collect(evt)
				}
				if i%50 == 0 {
					requireLaw(t, d.Status())
				}
			}
		}(p)
	}
	wg.Wait()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("distributor did not stop")
	}

	stats := d.Status()
	requireLaw(t, stats)
	require.Equal(t, uint64(producers*perProducer), stats.Offered+stats.Collected)
	require.Zero(t, stats.InboxPending)
	require.Equal(t, uint64(pulled.Load()), stats.Pulled)
}

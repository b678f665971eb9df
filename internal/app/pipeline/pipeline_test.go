package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/marketrelay/internal/app/channel"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Coordinator.Window = 30 * time.Millisecond
	cfg.Coordinator.SweepInterval = 5 * time.Millisecond
	cfg.Distributor.CollectInterval = 5 * time.Millisecond
	cfg.Distributor.DistributeInterval = 10 * time.Millisecond
	cfg.Distributor.Cadences = map[string]time.Duration{
		schema.FrequencySecond: 10 * time.Millisecond,
		schema.FrequencyMinute: 10 * time.Millisecond,
	}
	return cfg
}

type collector struct {
	mu     sync.Mutex
	events []schema.ResolvedEvent
}

func (c *collector) consume(_ context.Context, b distributor.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, typ := range schema.SignalTypes() {
		c.events = append(c.events, b.Events[typ]...)
	}
}

func (c *collector) snapshot() []schema.ResolvedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.ResolvedEvent(nil), c.events...)
}

func start(t *testing.T, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Stop(ctx))
	})
	return p
}

func envelope(symbol string, source schema.Source) schema.Envelope {
	return schema.Envelope{ID: symbol + "-" + string(source), Symbol: symbol, Source: source, Timestamp: time.Now()}
}

func tickEvent(symbol string, price, volume int64) schema.TickEvent {
	return schema.TickEvent{
		Envelope: envelope(symbol, schema.SourceTick),
		Price:    decimal.NewFromInt(price),
		Volume:   decimal.NewFromInt(volume),
	}
}

func surgingBar(symbol string) schema.AggregateEvent {
	return schema.AggregateEvent{
		Envelope:  envelope(symbol, schema.SourceAggregate),
		Interval:  "1m",
		Open:      decimal.NewFromInt(100),
		High:      decimal.RequireFromString("102"),
		Low:       decimal.RequireFromString("99.5"),
		Close:     decimal.RequireFromString("101.8"),
		Volume:    decimal.NewFromInt(2100),
		AvgVolume: decimal.NewFromInt(1000),
	}
}

func channelStats(p *Pipeline, name string) channel.Stats {
	for _, s := range p.ChannelStats() {
		if s.Name == name {
			return s
		}
	}
	return channel.Stats{}
}

func TestTickWithoutBaselineEmitsNothing(t *testing.T) {
	out := &collector{}
	p := start(t, fastConfig(), WithConsumer(out.consume))

	evt := schema.TickEvent{
		Envelope: envelope("AAPL", schema.SourceTick),
		Price:    decimal.RequireFromString("150.25"),
		Volume:   decimal.NewFromInt(1000),
	}
	res := p.Route(context.Background(), evt)
	require.Equal(t, router.StatusRouted, res.Status)
	require.Equal(t, "tick-1", res.Channel)

	require.Eventually(t, func() bool { return channelStats(p, "tick-1").Processed == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, channelStats(p, "tick-1").Emitted)
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, out.snapshot())
}

func TestAggregateSurgeReachesConsumers(t *testing.T) {
	out := &collector{}
	p := start(t, fastConfig(), WithConsumer(out.consume))

	require.NoError(t, p.Submit(surgingBar("MSFT")))
	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	got := out.snapshot()[0]
	require.Equal(t, schema.SignalSurge, got.Event.Type)
	require.Equal(t, "MSFT", got.Event.Symbol)
	require.Equal(t, schema.SourceAggregate, got.Context.Source)
	require.Equal(t, schema.FrequencyMinute, got.Frequency())
	require.InDelta(t, 2.1, got.Event.Magnitude, 1e-9)
}

func TestLowConfidenceValuationIsFiltered(t *testing.T) {
	out := &collector{}
	p := start(t, fastConfig(), WithConsumer(out.consume))

	evt := schema.ValuationEvent{
		Envelope:       envelope("TSLA", schema.SourceValuation),
		EstimatedValue: decimal.NewFromInt(260),
		MarketPrice:    decimal.NewFromInt(250),
		Confidence:     0.5,
	}
	require.True(t, p.Route(context.Background(), evt).Accepted())
	require.Eventually(t, func() bool { return channelStats(p, "valuation-1").Filtered == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, channelStats(p, "valuation-1").Emitted)
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, out.snapshot())
}

func TestTickSourceWinsCoordination(t *testing.T) {
	cfg := fastConfig()
	cfg.Coordinator.Window = 200 * time.Millisecond
	out := &collector{}
	p := start(t, cfg, WithConsumer(out.consume))
	ctx := context.Background()

	require.True(t, p.Route(ctx, surgingBar("NVDA")).Accepted())
	for i := 0; i < 5; i++ {
		require.True(t, p.Route(ctx, tickEvent("NVDA", 100, 100)).Accepted())
	}
	require.True(t, p.Route(ctx, tickEvent("NVDA", 100, 1000)).Accepted())

	require.Eventually(t, func() bool { return len(out.snapshot()) > 0 }, 2*time.Second, 5*time.Millisecond)
	var surges []schema.ResolvedEvent
	for _, evt := range out.snapshot() {
		if evt.Event.Type == schema.SignalSurge && evt.Event.Symbol == "NVDA" {
			surges = append(surges, evt)
		}
	}
	require.Len(t, surges, 1)
	require.Equal(t, schema.SourceTick, surges[0].Context.Source)
	require.Equal(t, 2, surges[0].Candidates)
}

type failingProcessor struct{ kind schema.Kind }

func (f failingProcessor) Kind() schema.Kind { return f.kind }
func (f failingProcessor) Process(schema.MarketEvent) (channel.Outcome, error) {
	return channel.Outcome{}, errors.New("detector unavailable")
}
func (f failingProcessor) Reset() {}

func TestFailingChannelOpensCircuitThenProbes(t *testing.T) {
	cfg := fastConfig()
	cfg.Router.Breaker = router.BreakerConfig{FailureThreshold: 5, Cooldown: 100 * time.Millisecond}
	factory := func(kind schema.Kind, name string, pc channel.ProcessorConfig) (channel.Processor, error) {
		if kind == schema.KindTick {
			return failingProcessor{kind: kind}, nil
		}
		return channel.NewProcessor(kind, pc)
	}
	p := start(t, cfg, WithProcessorFactory(factory))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, p.Route(ctx, tickEvent("AMD", 100, 10)).Accepted())
	}
	circuit := func() router.CircuitState {
		for _, s := range p.Router().Snapshot() {
			if s.Name == "tick-1" {
				return s.Circuit
			}
		}
		return ""
	}
	require.Eventually(t, func() bool { return circuit() == router.CircuitOpen }, time.Second, 5*time.Millisecond)

	res := p.Route(ctx, tickEvent("AMD", 100, 10))
	require.Equal(t, router.StatusRejected, res.Status)
	require.Equal(t, router.ReasonCircuitOpen, res.Reason)

	require.Eventually(t, func() bool { return p.Route(ctx, tickEvent("AMD", 100, 10)).Accepted() }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return circuit() == router.CircuitOpen }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(6), channelStats(p, "tick-1").Failed)
}

type slowProcessor struct {
	kind  schema.Kind
	delay time.Duration
}

func (s slowProcessor) Kind() schema.Kind { return s.kind }
func (s slowProcessor) Process(schema.MarketEvent) (channel.Outcome, error) {
	time.Sleep(s.delay)
	return channel.Outcome{}, nil
}
func (s slowProcessor) Reset() {}

func TestStopProcessesRoutedBacklog(t *testing.T) {
	factory := func(kind schema.Kind, _ string, pc channel.ProcessorConfig) (channel.Processor, error) {
		if kind == schema.KindTick {
			return slowProcessor{kind: kind, delay: 2 * time.Millisecond}, nil
		}
		return channel.NewProcessor(kind, pc)
	}
	p, err := New(fastConfig(), WithProcessorFactory(factory))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	accepted := 0
	for i := 0; i < 200; i++ {
		if p.Route(ctx, tickEvent("AAPL", 100, 10)).Accepted() {
			accepted++
		}
	}
	require.Equal(t, 200, accepted)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	stats := channelStats(p, "tick-1")
	require.Equal(t, uint64(accepted), stats.Processed, "every routed event is processed before Stop returns")
	require.Zero(t, stats.Depth)
	for _, s := range p.Router().Snapshot() {
		if s.Name == "tick-1" {
			require.Equal(t, min(accepted, DefaultConfig().Router.HealthWindow), s.Samples, "outcomes reach the router")
			require.Equal(t, 1.0, s.SuccessRate)
		}
	}
}

func TestSubmitBackpressureAndStop(t *testing.T) {
	cfg := fastConfig()
	cfg.IngressCapacity = 1
	p, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, p.Submit(tickEvent("AAPL", 1, 1)))
	err = p.Submit(tickEvent("AAPL", 1, 1))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.Equal(t, uint64(1), p.Counters().IngressDrops)
	require.True(t, errs.IsCode(p.Submit(nil), errs.CodeInvalid))

	require.NoError(t, p.Stop(context.Background()))
	require.True(t, errs.IsCode(p.Submit(tickEvent("AAPL", 1, 1)), errs.CodeUnavailable))
	require.True(t, errs.IsCode(p.Start(context.Background()), errs.CodeUnavailable))
}

type recordingProcessor struct {
	kind   schema.Kind
	mu     sync.Mutex
	ids    []string
	resets int
}

func (r *recordingProcessor) Kind() schema.Kind { return r.kind }

func (r *recordingProcessor) Process(evt schema.MarketEvent) (channel.Outcome, error) {
	r.mu.Lock()
	r.ids = append(r.ids, evt.Meta().ID)
	r.mu.Unlock()
	return channel.Outcome{}, nil
}

func (r *recordingProcessor) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *recordingProcessor) state() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), r.resets
}

func TestResetSessionAndGeneratedIDs(t *testing.T) {
	procs := map[schema.Kind]*recordingProcessor{}
	var mu sync.Mutex
	factory := func(kind schema.Kind, _ string, _ channel.ProcessorConfig) (channel.Processor, error) {
		mu.Lock()
		defer mu.Unlock()
		rp := &recordingProcessor{kind: kind}
		procs[kind] = rp
		return rp, nil
	}
	p := start(t, fastConfig(), WithProcessorFactory(factory))

	evt := tickEvent("AAPL", 100, 10)
	evt.ID = ""
	require.NoError(t, p.Submit(evt))
	require.Eventually(t, func() bool {
		ids, _ := procs[schema.KindTick].state()
		return len(ids) == 1
	}, time.Second, 5*time.Millisecond)
	ids, _ := procs[schema.KindTick].state()
	require.NotEmpty(t, ids[0])

	p.ResetSession()
	for _, kind := range schema.Kinds() {
		rp := procs[kind]
		require.Eventually(t, func() bool {
			_, resets := rp.state()
			return resets == 1
		}, time.Second, 5*time.Millisecond, "kind %s", kind)
	}
}

func TestStartTwiceConflicts(t *testing.T) {
	p := start(t, fastConfig())
	require.True(t, errs.IsCode(p.Start(context.Background()), errs.CodeConflict))
	snap := p.Monitor().GetDashboardData(context.Background())
	require.Equal(t, 3, snap.System.Channels)
}

func TestReadyTracksLifecycle(t *testing.T) {
	p, err := New(fastConfig())
	require.NoError(t, err)
	require.True(t, errs.IsCode(p.Ready(), errs.CodeUnavailable))

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.True(t, errs.IsCode(p.Ready(), errs.CodeUnavailable))
}

func TestInvalidConfigFailsFast(t *testing.T) {
	cfg := fastConfig()
	cfg.Rules = rules.Set{schema.SourceAggregate: {"percentChange": 1}}
	_, err := New(cfg)
	require.Error(t, err)

	cfg = fastConfig()
	cfg.Distributor.Capacities = map[schema.SignalType]int{schema.SignalHigh: -1}
	_, err = New(cfg)
	require.Error(t, err)
}

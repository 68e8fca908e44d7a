package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/dispatch"
	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/rules"
)

type fakeRuleStore struct {
	mu    sync.Mutex
	rules []rules.Rule
}

func (s *fakeRuleStore) ListActiveRules(_ context.Context, symbol string) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rules.Rule
	for _, r := range s.rules {
		if r.Symbol == symbol && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []alerting.Message
	errs []error // consumed per call; nil entries mean success
}

func (f *fakeTransport) Send(_ context.Context, msg alerting.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("等待条件超时: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func greaterThan100Rule() rules.Rule {
	return rules.Rule{
		ID:           "r1",
		OwnerID:      "u1",
		OwnerContact: "chat-1",
		Symbol:       "XYZ",
		Condition:    rules.GreaterThan,
		Threshold:    decimal.NewFromInt(100),
		Enabled:      true,
	}
}

func newTestEngine(t *testing.T, store rules.Store, transport alerting.Transport, clock *fakeClock, dcfg dispatch.Config) *Engine {
	t.Helper()
	opts := Options{
		Symbols:         []string{"XYZ"},
		RefreshInterval: time.Hour, // background refresh stays quiet; tests rely on the boot snapshot
		Ingest:          ingest.Config{Shards: 1, QueueSize: 64},
		Dispatch:        dcfg,
		Now:             clock.Now,
	}
	tracker := cooldown.New(time.Hour)
	e := New(opts, store, tracker, transport, nil, nil, zerolog.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("引擎启动失败: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func obsAt(base time.Time, minute int, price float64) ingest.Observation {
	return ingest.Observation{
		Symbol:    "XYZ",
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
		Price:     decimal.NewFromFloat(price),
	}
}

// A rule "price > 100" over the series 98, 99, 101, 102, 103 at one-minute
// spacing must produce exactly one notification, for the 101 tick; the later
// qualifying ticks fall inside the one-hour cooldown window.
func TestEngineCooldownSuppressesRepeatFires(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 1})

	for _, tick := range []struct {
		minute int
		price  float64
	}{{0, 98}, {1, 99}, {2, 101}} {
		clock.Advance(time.Minute)
		if err := e.Submit(obsAt(base, tick.minute, tick.price)); err != nil {
			t.Fatalf("提交不应失败: %v", err)
		}
	}
	waitFor(t, "首个事件投递并落地", func() bool {
		h := e.Health()
		return h.Delivered == 1 && h.InFlight == 0
	})

	for _, tick := range []struct {
		minute int
		price  float64
	}{{3, 102}, {4, 103}} {
		clock.Advance(time.Minute)
		if err := e.Submit(obsAt(base, tick.minute, tick.price)); err != nil {
			t.Fatalf("提交不应失败: %v", err)
		}
	}
	waitFor(t, "冷却期抑制", func() bool { return e.Health().SuppressedCooldown == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("drain 不应失败: %v", err)
	}

	if got := transport.sentCount(); got != 1 {
		t.Fatalf("应恰好发送一条通知, 实际 %d", got)
	}

	h := e.Health()
	if h.EventsGenerated != 1 || h.Delivered != 1 || h.Failed != 0 {
		t.Fatalf("健康计数异常: %+v", h)
	}
	if h.InFlight != 0 {
		t.Fatalf("终态后不应有 in-flight 事件, 实际 %d", h.InFlight)
	}
}

func TestEngineFiresAgainAfterWindowExpires(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 1})

	if err := e.Submit(obsAt(base, 0, 101)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	waitFor(t, "首个事件投递并落地", func() bool {
		h := e.Health()
		return h.Delivered == 1 && h.InFlight == 0
	})

	// Within the window: suppressed.
	clock.Advance(30 * time.Minute)
	_ = e.Submit(obsAt(base, 30, 105))
	waitFor(t, "窗口内抑制", func() bool { return e.Health().SuppressedCooldown == 1 })

	// Past the window: a fresh fire.
	clock.Advance(31 * time.Minute)
	_ = e.Submit(obsAt(base, 61, 106))
	waitFor(t, "窗口过期后再次触发", func() bool { return e.Health().Delivered == 2 })
}

type gatedTransport struct {
	release chan struct{}
	sent    chan struct{}
}

func (g *gatedTransport) Send(ctx context.Context, _ alerting.Message) error {
	g.sent <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return alerting.Transient(ctx.Err())
	}
}

// While a delivery is mid-flight, further qualifying ticks for the same key
// must not generate a second event.
func TestEngineSuppressesConcurrentDispatch(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &gatedTransport{release: make(chan struct{}), sent: make(chan struct{}, 1)}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 1, AttemptTimeout: 10 * time.Second})

	if err := e.Submit(obsAt(base, 0, 101)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	<-transport.sent // delivery now blocked mid-send

	_ = e.Submit(obsAt(base, 1, 102))
	waitFor(t, "in-flight 抑制", func() bool { return e.Health().SuppressedInFlight == 1 })

	close(transport.release)
	waitFor(t, "事件投递", func() bool { return e.Health().Delivered == 1 })

	if got := e.Health().EventsGenerated; got != 1 {
		t.Fatalf("同一 key 不应并发生成事件, 实际 %d", got)
	}
}

// A failed delivery must not consume the cooldown: the next qualifying tick
// generates a fresh event.
func TestEngineFailureReleasesCooldown(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{errs: []error{alerting.Permanent(errors.New("bad recipient"))}}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 1})

	if err := e.Submit(obsAt(base, 0, 101)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	waitFor(t, "首个事件失败并落地", func() bool {
		h := e.Health()
		return h.Failed == 1 && h.InFlight == 0
	})

	// One minute later, still far inside what would have been the window.
	clock.Advance(time.Minute)
	_ = e.Submit(obsAt(base, 1, 102))
	waitFor(t, "失败后重新触发", func() bool { return e.Health().Delivered == 1 })

	h := e.Health()
	if h.SuppressedCooldown != 0 {
		t.Fatalf("失败不应占用冷却期, 实际抑制 %d 次", h.SuppressedCooldown)
	}
	if h.EventsGenerated != 2 {
		t.Fatalf("应生成 2 个事件, 实际 %d", h.EventsGenerated)
	}
}

// Transient failures are retried up to MaxAttempts; exhaustion leaves
// the cooldown untouched.
func TestEngineRetryExhaustion(t *testing.T) {
	transient := alerting.Transient(errors.New("timeout"))
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{errs: []error{transient, transient, transient}}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{
		Workers:     1,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	if err := e.Submit(obsAt(base, 0, 101)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	waitFor(t, "重试耗尽并落地", func() bool {
		h := e.Health()
		return h.Failed == 1 && h.InFlight == 0
	})

	if got := transport.sentCount(); got != 3 {
		t.Fatalf("应恰好尝试 %d 次, 实际 %d", 3, got)
	}

	// Cooldown untouched: the next tick fires immediately.
	clock.Advance(time.Minute)
	_ = e.Submit(obsAt(base, 1, 102))
	waitFor(t, "耗尽后重新触发", func() bool { return e.Health().Delivered == 1 })
}

// Stop without a prior Drain must shut down cleanly even while observations
// are still being submitted and evaluated.
func TestEngineStopWithoutDrain(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			err := e.Submit(obsAt(base, i, 101))
			if err != nil && !errors.Is(err, ingest.ErrStopped) && !errors.Is(err, ingest.ErrQueueFull) {
				t.Errorf("提交只应返回 ErrStopped 或 ErrQueueFull, 实际 %v", err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(ctx)
	<-done

	if err := e.Submit(obsAt(base, 999, 101)); !errors.Is(err, ingest.ErrStopped) {
		t.Fatalf("Stop 后应返回 ErrStopped, 实际 %v", err)
	}
}

func TestEngineIgnoresSymbolsWithoutRules(t *testing.T) {
	store := &fakeRuleStore{rules: []rules.Rule{greaterThan100Rule()}}
	transport := &fakeTransport{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := clock.Now()

	e := newTestEngine(t, store, transport, clock, dispatch.Config{Workers: 1})

	other := obsAt(base, 0, 500)
	other.Symbol = "ABC"
	if err := e.Submit(other); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("drain 不应失败: %v", err)
	}

	if got := e.Health().EventsGenerated; got != 0 {
		t.Fatalf("无规则的标的不应生成事件, 实际 %d", got)
	}
}

package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type capture struct {
	mu   sync.Mutex
	obs  []Observation
	prev []*decimal.Decimal
}

func (c *capture) eval(obs Observation, prev *decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, obs)
	c.prev = append(c.prev, prev)
}

func obsAt(symbol string, sec int, price float64) Observation {
	return Observation{
		Symbol:    symbol,
		Timestamp: time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC),
		Price:     decimal.NewFromFloat(price),
	}
}

func TestPipelineDeliversInOrderWithPrev(t *testing.T) {
	rec := &capture{}
	p := New(Config{Shards: 1, QueueSize: 16}, rec.eval, zerolog.Nop())
	p.Start()

	if err := p.Submit(obsAt("XYZ", 0, 100)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	if err := p.Submit(obsAt("XYZ", 1, 101)); err != nil {
		t.Fatalf("提交不应失败: %v", err)
	}
	p.Drain()

	if len(rec.obs) != 2 {
		t.Fatalf("应评估 2 条观测, 实际 %d", len(rec.obs))
	}
	if rec.prev[0] != nil {
		t.Fatal("首个 tick 不应有前值")
	}
	if rec.prev[1] == nil || !rec.prev[1].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("第二个 tick 前值应为 100, 实际 %v", rec.prev[1])
	}
}

func TestPipelineDropsOutOfOrder(t *testing.T) {
	rec := &capture{}
	p := New(Config{Shards: 1, QueueSize: 16}, rec.eval, zerolog.Nop())
	p.Start()

	_ = p.Submit(obsAt("XYZ", 5, 100))
	_ = p.Submit(obsAt("XYZ", 3, 120))
	p.Drain()

	if len(rec.obs) != 1 {
		t.Fatalf("乱序观测不应被评估, 实际评估 %d 条", len(rec.obs))
	}
	if got := p.Stats().OutOfOrder; got != 1 {
		t.Fatalf("乱序计数应为 1, 实际 %d", got)
	}
}

func TestPipelineDropsDuplicates(t *testing.T) {
	rec := &capture{}
	p := New(Config{Shards: 1, QueueSize: 16}, rec.eval, zerolog.Nop())
	p.Start()

	_ = p.Submit(obsAt("XYZ", 5, 100))
	_ = p.Submit(obsAt("XYZ", 5, 100))
	p.Drain()

	if len(rec.obs) != 1 {
		t.Fatalf("重复时间戳应被去重, 实际评估 %d 条", len(rec.obs))
	}
	if got := p.Stats().Duplicates; got != 1 {
		t.Fatalf("重复计数应为 1, 实际 %d", got)
	}
}

func TestPipelineRejectsMalformed(t *testing.T) {
	p := New(Config{Shards: 1, QueueSize: 4}, func(Observation, *decimal.Decimal) {}, zerolog.Nop())

	cases := []Observation{
		{Timestamp: time.Now(), Price: decimal.NewFromInt(1)},
		{Symbol: "XYZ", Price: decimal.NewFromInt(1)},
		{Symbol: "XYZ", Timestamp: time.Now(), Price: decimal.NewFromInt(-1)},
		{Symbol: "XYZ", Timestamp: time.Now(), Price: decimal.NewFromInt(1), Volume: -5},
	}
	for i, obs := range cases {
		if err := p.Submit(obs); !errors.Is(err, ErrMalformed) {
			t.Fatalf("用例 %d 应返回 ErrMalformed, 实际 %v", i, err)
		}
	}
}

func TestPipelineBackpressure(t *testing.T) {
	// Not started: the shard queue fills and submits are rejected, not blocked.
	p := New(Config{Shards: 1, QueueSize: 1}, func(Observation, *decimal.Decimal) {}, zerolog.Nop())

	if err := p.Submit(obsAt("XYZ", 0, 100)); err != nil {
		t.Fatalf("首条观测应入队: %v", err)
	}
	if err := p.Submit(obsAt("XYZ", 1, 101)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("队列满时应返回 ErrQueueFull, 实际 %v", err)
	}
}

func TestPipelineRejectsAfterDrain(t *testing.T) {
	p := New(Config{Shards: 1, QueueSize: 4}, func(Observation, *decimal.Decimal) {}, zerolog.Nop())
	p.Start()
	p.Drain()

	if err := p.Submit(obsAt("XYZ", 0, 100)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Drain 后应返回 ErrStopped, 实际 %v", err)
	}
}

func TestPipelineSubmitDuringDrainDoesNotPanic(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC", "DDD"}

	for round := 0; round < 200; round++ {
		p := New(Config{Shards: 4, QueueSize: 8}, func(Observation, *decimal.Decimal) {}, zerolog.Nop())
		p.Start()

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					err := p.Submit(obsAt(symbols[g%len(symbols)], i, 100))
					if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrQueueFull) {
						t.Errorf("并发提交只应返回 ErrStopped 或 ErrQueueFull, 实际 %v", err)
						return
					}
				}
			}(g)
		}

		close(start)
		p.Drain()
		wg.Wait()

		if err := p.Submit(obsAt("AAA", 999, 100)); !errors.Is(err, ErrStopped) {
			t.Fatalf("Drain 后应返回 ErrStopped, 实际 %v", err)
		}
	}
}

func TestPipelineSymbolsAreIndependent(t *testing.T) {
	rec := &capture{}
	p := New(Config{Shards: 4, QueueSize: 16}, rec.eval, zerolog.Nop())
	p.Start()

	// The older ABC tick is not out of order relative to XYZ.
	_ = p.Submit(obsAt("XYZ", 10, 100))
	_ = p.Submit(obsAt("ABC", 5, 50))
	p.Drain()

	if len(rec.obs) != 2 {
		t.Fatalf("不同标的应互不影响, 实际评估 %d 条", len(rec.obs))
	}
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// ============================================================================
// 基础行为测试
// ============================================================================

func TestRun_ResultsArePositional(t *testing.T) {
	p := New(testLogger(), 4)

	results := make([]string, 20)
	p.Run(context.Background(), len(results), func(ctx context.Context, i int) error {
		// 倒序 sleep，让完成顺序与提交顺序相反
		time.Sleep(time.Duration(len(results)-i) * time.Millisecond)
		results[i] = fmt.Sprintf("unit-%d", i)
		return nil
	})

	for i, r := range results {
		if want := fmt.Sprintf("unit-%d", i); r != want {
			t.Errorf("results[%d] = %q, want %q", i, r, want)
		}
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	p := New(testLogger(), 2)

	results := make([]int, 5)
	p.Run(context.Background(), 5, func(ctx context.Context, i int) error {
		if i == 2 {
			return errors.New("boom")
		}
		results[i] = i + 1
		return nil
	})

	for i, r := range results {
		if i == 2 {
			if r != 0 {
				t.Errorf("failed unit wrote a result: %d", r)
			}
			continue
		}
		if r != i+1 {
			t.Errorf("results[%d] = %d, want %d", i, r, i+1)
		}
	}

	if got := p.Stats().TotalFailed; got != 1 {
		t.Errorf("TotalFailed = %d, want 1", got)
	}
}

func TestRun_PanicRecovered(t *testing.T) {
	p := New(testLogger(), 2)

	var done atomic.Int32
	p.Run(context.Background(), 4, func(ctx context.Context, i int) error {
		if i == 1 {
			panic("unit exploded")
		}
		done.Add(1)
		return nil
	})

	if done.Load() != 3 {
		t.Errorf("completed units = %d, want 3", done.Load())
	}
	if got := p.Stats().TotalPanics; got != 1 {
		t.Errorf("TotalPanics = %d, want 1", got)
	}
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	p := New(testLogger(), 3)

	var current, peak atomic.Int32
	p.Run(context.Background(), 12, func(ctx context.Context, i int) error {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestRun_CanceledContextStopsDispatch(t *testing.T) {
	p := New(testLogger(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	var executed atomic.Int32
	p.Run(ctx, 50, func(ctx context.Context, i int) error {
		executed.Add(1)
		if i == 0 {
			cancel()
		}
		return nil
	})

	if n := executed.Load(); n >= 50 {
		t.Errorf("expected early stop, executed %d units", n)
	}
}

func TestNew_MinimumCap(t *testing.T) {
	p := New(testLogger(), 0)
	if p.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", p.Cap())
	}
}

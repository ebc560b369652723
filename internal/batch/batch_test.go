package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)
	return m
}

// newEngine returns an engine whose backoff never sleeps and has no jitter.
func newEngine(t *testing.T, limit int, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithMetrics(testMetrics(t)),
		WithSleepFunc(func(context.Context, time.Duration) error { return nil }),
		WithRandFunc(func() float64 { return 0.5 }),
	}
	e, err := New(limit, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Index: i, Prompt: fmt.Sprintf("p%d", i)}
	}
	return items
}

// mustRun runs items on e and fails the test if the batch is rejected.
func mustRun(t *testing.T, e *Engine, ctx context.Context, items []Item, op Op) []Result {
	t.Helper()
	res, err := e.Run(ctx, items, op)
	require.NoError(t, err)
	return res
}

func echo(_ context.Context, it Item) (string, error) { return it.Prompt, nil }

func TestNew_InvalidConcurrency(t *testing.T) {
	for _, limit := range []int{0, -3} {
		_, err := New(limit)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConcurrency)
		assert.True(t, apperr.Is(err, apperr.ConfigurationError))
	}
}

func TestRun_Empty(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, 4)
	res := mustRun(t, e, context.Background(), nil, func(context.Context, Item) (string, error) {
		calls.Add(1)
		return "", nil
	})
	assert.Empty(t, res)
	assert.Zero(t, calls.Load())
}

// TestRun_OrderUnderRandomLatency checks that results follow input order for
// many item counts, limits and latency permutations.
func TestRun_OrderUnderRandomLatency(t *testing.T) {
	for _, n := range []int{1, 2, 7, 25} {
		for _, k := range []int{1, 3, n, n + 5} {
			t.Run(fmt.Sprintf("n=%d/k=%d", n, k), func(t *testing.T) {
				e := newEngine(t, k)
				res := mustRun(t, e, context.Background(), makeItems(n), func(ctx context.Context, it Item) (string, error) {
					time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
					return it.Prompt, nil
				})
				require.Len(t, res, n)
				for i, r := range res {
					assert.Equal(t, i, r.Index)
					assert.Equal(t, fmt.Sprintf("p%d", i), r.Text)
					assert.True(t, r.OK())
				}
			})
		}
	}
}

// TestRun_ConcurrencyBound checks that at most limit items run at once and
// that a limit above the item count is clamped.
func TestRun_ConcurrencyBound(t *testing.T) {
	var cur, peak atomic.Int32
	op := func(ctx context.Context, it Item) (string, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return "", nil
	}

	mustRun(t, newEngine(t, 3), context.Background(), makeItems(12), op)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	peak.Store(0)
	mustRun(t, newEngine(t, 50), context.Background(), makeItems(4), op)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

// TestRun_FailureIsolation forces item 3 of 5 to fail with InvalidContent.
func TestRun_FailureIsolation(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, 2)
	res := mustRun(t, e, context.Background(), makeItems(5), func(_ context.Context, it Item) (string, error) {
		calls.Add(1)
		if it.Index == 3 {
			return "", apperr.New(apperr.InvalidContent, "test", "rejected")
		}
		return it.Prompt, nil
	})

	require.Len(t, res, 5)
	ok := 0
	for _, r := range res {
		if r.OK() {
			ok++
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, apperr.InvalidContent, res[3].Kind())
	assert.Equal(t, 1, res[3].Attempts, "terminal kinds are not retried")
	assert.Equal(t, int32(5), calls.Load())
}

// TestRun_RetryBound checks that an always-RateLimited item is attempted
// exactly MaxRetries+1 times.
func TestRun_RetryBound(t *testing.T) {
	var calls atomic.Int32
	var sleeps []time.Duration
	var mu sync.Mutex
	e := newEngine(t, 1,
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}),
		WithSleepFunc(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			sleeps = append(sleeps, d)
			mu.Unlock()
			return nil
		}),
	)

	res := mustRun(t, e, context.Background(), makeItems(1), func(context.Context, Item) (string, error) {
		calls.Add(1)
		return "", apperr.New(apperr.RateLimited, "test", "429")
	})

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, res[0].Attempts)
	assert.Equal(t, apperr.RateLimited, res[0].Kind())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, sleeps)
}

func TestRun_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, 1)
	res := mustRun(t, e, context.Background(), makeItems(1), func(context.Context, Item) (string, error) {
		if calls.Add(1) < 3 {
			return "", apperr.New(apperr.ProviderUnavailable, "test", "503")
		}
		return "done", nil
	})
	require.True(t, res[0].OK())
	assert.NoError(t, res[0].Err)
	assert.Equal(t, "done", res[0].Text)
	assert.Equal(t, 3, res[0].Attempts)
}

// TestRun_NonTransientKinds checks that every non-transient kind fails on
// the first attempt.
func TestRun_NonTransientKinds(t *testing.T) {
	kinds := []apperr.Kind{apperr.InvalidContent, apperr.UnsupportedFormat, apperr.ConversionFailed}
	for _, k := range kinds {
		t.Run(string(k), func(t *testing.T) {
			var calls atomic.Int32
			res := mustRun(t, newEngine(t, 1), context.Background(), makeItems(1), func(context.Context, Item) (string, error) {
				calls.Add(1)
				return "", apperr.New(k, "test", "nope")
			})
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, k, res[0].Kind())
		})
	}
}

// TestRun_AttemptTimeout checks that a timed-out attempt is classified as
// ProviderUnavailable and retried.
func TestRun_AttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, 1,
		WithAttemptTimeout(10*time.Millisecond),
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)
	res := mustRun(t, e, context.Background(), makeItems(1), func(ctx context.Context, _ Item) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.Equal(t, apperr.ProviderUnavailable, res[0].Kind())
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_PanicIsCaptured(t *testing.T) {
	res := mustRun(t, newEngine(t, 2), context.Background(), makeItems(3), func(_ context.Context, it Item) (string, error) {
		if it.Index == 1 {
			panic("boom")
		}
		return "ok", nil
	})
	assert.True(t, res[0].OK())
	assert.Equal(t, apperr.InvalidContent, res[1].Kind())
	assert.True(t, res[2].OK())
}

// TestRun_SequentialWithLimitOne checks that a limit of 1 starts items in
// index order, one at a time.
func TestRun_SequentialWithLimitOne(t *testing.T) {
	var mu sync.Mutex
	var started []int
	var running atomic.Int32
	res := mustRun(t, newEngine(t, 1), context.Background(), makeItems(6), func(_ context.Context, it Item) (string, error) {
		if running.Add(1) != 1 {
			t.Error("more than one item running")
		}
		defer running.Add(-1)
		mu.Lock()
		started = append(started, it.Index)
		mu.Unlock()
		return it.Prompt, nil
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, started)
	for i, r := range res {
		assert.Equal(t, i, r.Index)
	}
}

// TestRun_CancelSkipsUnstarted checks that cancelling the batch resolves
// not-yet-started items to Canceled while the running item completes.
func TestRun_CancelSkipsUnstarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := mustRun(t, newEngine(t, 1), ctx, makeItems(4), func(opCtx context.Context, it Item) (string, error) {
		if it.Index == 0 {
			cancel()
			time.Sleep(5 * time.Millisecond)
			if opCtx.Err() != nil {
				return "", opCtx.Err()
			}
		}
		return it.Prompt, nil
	})

	require.Len(t, res, 4)
	assert.True(t, res[0].OK(), "in-flight item must finish: %v", res[0].Err)
	for _, r := range res[1:] {
		assert.Equal(t, apperr.Canceled, r.Kind())
		assert.Zero(t, r.Attempts)
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
}

// TestRun_MixedRowsScenario runs text, image and text+pdf rows with
// concurrency 2 where the image row finishes first.
func TestRun_MixedRowsScenario(t *testing.T) {
	items := []Item{
		{Index: 0, Prompt: "summarize"},
		{Index: 1, Blocks: []content.Block{content.Image([]byte{1}, "image/png", "")}},
		{Index: 2, Prompt: "describe", Blocks: []content.Block{content.PDF([]byte("%PDF"), "doc.pdf")}},
	}
	var order []int
	var mu sync.Mutex
	res := mustRun(t, newEngine(t, 2), context.Background(), items, func(_ context.Context, it Item) (string, error) {
		if len(it.Blocks) == 0 || it.Blocks[0].Kind != content.KindImage {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, it.Index)
		mu.Unlock()
		return fmt.Sprintf("row%d", it.Index), nil
	})

	require.Len(t, res, 3)
	for i, r := range res {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("row%d", i), r.Text)
	}
	assert.Equal(t, 1, order[0], "image row should complete first")
}

func TestRun_Progress(t *testing.T) {
	var seen []int
	e := newEngine(t, 3, WithProgress(func(done, total int) {
		assert.Equal(t, 10, total)
		seen = append(seen, done)
	}))
	mustRun(t, e, context.Background(), makeItems(10), echo)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
}

func TestRun_SetsRunID(t *testing.T) {
	var ids sync.Map
	mustRun(t, newEngine(t, 2), context.Background(), makeItems(4), func(ctx context.Context, it Item) (string, error) {
		ids.Store(observe.RequestID(ctx), struct{}{})
		return "", nil
	})
	n := 0
	ids.Range(func(k, _ any) bool {
		n++
		assert.Len(t, k, 36)
		return true
	})
	assert.Equal(t, 1, n, "all items share one run ID")
}

// TestRun_OrdersByIndex checks that results are placed by Item.Index and that
// items start in index order, whatever their position in the input slice.
func TestRun_OrdersByIndex(t *testing.T) {
	items := []Item{{Index: 2, Prompt: "c"}, {Index: 0, Prompt: "a"}, {Index: 1, Prompt: "b"}}

	var mu sync.Mutex
	var started []int
	res := mustRun(t, newEngine(t, 1), context.Background(), items, func(_ context.Context, it Item) (string, error) {
		mu.Lock()
		started = append(started, it.Index)
		mu.Unlock()
		return it.Prompt, nil
	})
	assert.Equal(t, []int{0, 1, 2}, started)
	require.Len(t, res, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, i, res[i].Index)
		assert.Equal(t, want, res[i].Text)
	}

	res = mustRun(t, newEngine(t, 2), context.Background(), items, echo)
	for i, r := range res {
		assert.Equal(t, i, r.Index)
	}
}

func TestRun_RejectsInvalidIndices(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
	}{
		{"duplicate", []int{0, 0}},
		{"gap", []int{0, 2}},
		{"negative", []int{-1, 0}},
		{"out of range", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]Item, len(tt.indices))
			for i, idx := range tt.indices {
				items[i] = Item{Index: idx}
			}
			var calls atomic.Int32
			res, err := newEngine(t, 2).Run(context.Background(), items, func(context.Context, Item) (string, error) {
				calls.Add(1)
				return "", nil
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIndex)
			assert.True(t, apperr.Is(err, apperr.ConfigurationError))
			assert.Nil(t, res)
			assert.Zero(t, calls.Load(), "no item runs when the batch is rejected")
		})
	}
}

// Package batch runs many independent LLM work items under a fixed
// concurrency limit and returns their results in input order.
//
// A failing item never affects its siblings: every failure, including a
// panic in the per-item operation, is captured in that item's [Result].
// Transient failures are retried with exponential backoff and jitter
// according to the engine's [RetryPolicy].
package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// ErrInvalidConcurrency is returned by [New] for a non-positive limit.
var ErrInvalidConcurrency = errors.New("batch: concurrency limit must be positive")

// ErrInvalidIndex is returned by [Engine.Run] when the item indices are not
// a permutation of 0..N-1.
var ErrInvalidIndex = errors.New("batch: item indices must be unique and contiguous from 0")

// Item is one unit of work.
type Item struct {
	// Index is the item's position in the original batch. The indices of
	// one batch are 0..N-1, each exactly once.
	Index int

	Prompt string

	// Blocks is the normalized content of the item. May be empty.
	Blocks []content.Block
}

// Result is the outcome of one [Item]. Exactly one of Text and Err is
// meaningful: Err is nil on success.
type Result struct {
	Index int
	Text  string
	Err   error

	// Attempts is the number of times the operation was invoked.
	Attempts int
}

// OK reports whether the item succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Kind returns the error kind, or "" on success.
func (r Result) Kind() apperr.Kind { return apperr.KindOf(r.Err) }

// Op processes one item. It is called concurrently from several workers.
type Op func(ctx context.Context, item Item) (string, error)

// ProgressFunc is called after each item finishes. Calls are serialized and
// done increases by one per call.
type ProgressFunc func(done, total int)

// Engine is a bounded worker pool. It holds no per-run state and may run
// several batches concurrently.
type Engine struct {
	limit          int
	retry          RetryPolicy
	attemptTimeout time.Duration
	progress       ProgressFunc
	metrics        *observe.Metrics

	sleepFunc func(ctx context.Context, d time.Duration) error
	randFunc  func() float64
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithRetryPolicy sets the retry policy. Defaults to [DefaultRetryPolicy].
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithAttemptTimeout bounds every single attempt. A timed-out attempt is
// classified as ProviderUnavailable. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.attemptTimeout = d
	}
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSleepFunc replaces the backoff sleep (for testing).
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleepFunc = fn
	}
}

// WithRandFunc replaces the jitter source; fn must return values in [0, 1)
// (for testing).
func WithRandFunc(fn func() float64) Option {
	return func(e *Engine) {
		e.randFunc = fn
	}
}

// New returns an Engine running at most limit items at once. A non-positive
// limit is a ConfigurationError wrapping [ErrInvalidConcurrency].
func New(limit int, opts ...Option) (*Engine, error) {
	if limit <= 0 {
		return nil, apperr.Wrap(apperr.ConfigurationError, "batch", fmt.Errorf("%w: got %d", ErrInvalidConcurrency, limit))
	}
	e := &Engine{
		limit:     limit,
		retry:     DefaultRetryPolicy(),
		sleepFunc: contextSleep,
		randFunc:  rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Limit returns the configured concurrency limit.
func (e *Engine) Limit() int { return e.limit }

// Run executes op for every item and returns one result per item, ordered
// by [Item.Index]. Item indices must cover 0..N-1 exactly once; anything
// else is a ConfigurationError wrapping [ErrInvalidIndex] and no item runs.
// Beyond that Run never fails as a whole. When ctx is cancelled, items that
// have not started resolve to a Canceled error; items already running
// finish their current attempt (bounded by the attempt timeout) but are not
// retried.
func (e *Engine) Run(ctx context.Context, items []Item, op Op) ([]Result, error) {
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results, nil
	}
	order, err := indexOrder(items)
	if err != nil {
		return nil, err
	}

	if observe.RequestID(ctx) == "" {
		ctx = observe.WithRequestID(ctx, uuid.NewString())
	}
	workers := min(e.limit, len(items))
	ctx, span := observe.StartSpan(ctx, "batch.run",
		trace.WithAttributes(
			attribute.Int("batch.items", len(items)),
			attribute.Int("batch.workers", workers),
		),
	)
	defer span.End()

	log := observe.Logger(ctx)
	log.Info("batch started", "items", len(items), "workers", workers)
	e.metrics.ActiveBatches.Add(ctx, 1)
	defer e.metrics.ActiveBatches.Add(ctx, -1)

	// Workers pull items in index order.
	queue := make(chan int, len(items))
	for _, pos := range order {
		queue <- pos
	}
	close(queue)

	var (
		mu   sync.Mutex
		done int
	)
	finish := func(r Result) {
		results[r.Index] = r
		if e.progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		e.progress(done, len(items))
	}

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for pos := range queue {
				if err := ctx.Err(); err != nil {
					finish(Result{
						Index: items[pos].Index,
						Err:   apperr.Wrap(apperr.Canceled, "batch: item not started", err),
					})
					continue
				}
				finish(e.runItem(ctx, items[pos], op))
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.failed", failed))
	log.Info("batch finished", "items", len(items), "failed", failed)
	return results, nil
}

// indexOrder returns, for every index k, the position in items of the item
// with Index k.
func indexOrder(items []Item) ([]int, error) {
	order := make([]int, len(items))
	seen := make([]bool, len(items))
	for pos, it := range items {
		if it.Index < 0 || it.Index >= len(items) || seen[it.Index] {
			return nil, apperr.Wrap(apperr.ConfigurationError, "batch",
				fmt.Errorf("%w: item %d has index %d", ErrInvalidIndex, pos, it.Index))
		}
		seen[it.Index] = true
		order[it.Index] = pos
	}
	return order, nil
}

func (e *Engine) runItem(ctx context.Context, item Item, op Op) Result {
	ctx, span := observe.StartSpan(ctx, "batch.item",
		trace.WithAttributes(attribute.Int("batch.index", item.Index)),
	)
	defer span.End()

	e.metrics.ActiveWorkers.Add(ctx, 1)
	defer e.metrics.ActiveWorkers.Add(ctx, -1)

	start := time.Now()
	res := Result{Index: item.Index}
	for attempt := 0; ; attempt++ {
		res.Attempts++
		text, err := e.attempt(ctx, item, op)
		if err == nil {
			res.Text, res.Err = text, nil
			break
		}
		res.Err = err

		kind := apperr.KindOf(err)
		if !kind.IsTransient() || attempt >= e.retry.MaxRetries {
			break
		}
		delay := e.retry.backoff(attempt, apperr.RetryAfterOf(err), e.randFunc)
		e.metrics.RecordRetry(ctx, string(kind))
		observe.Logger(ctx).Debug("batch: retrying item",
			"index", item.Index, "attempt", attempt+1, "kind", kind, "delay", delay, "err", err)
		if e.sleepFunc(ctx, delay) != nil {
			break
		}
	}

	kind := apperr.KindOf(res.Err)
	e.metrics.RecordBatchItem(ctx, time.Since(start), string(kind))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(kind))
		observe.Logger(ctx).Warn("batch: item failed",
			"index", item.Index, "attempts", res.Attempts, "kind", kind, "err", res.Err)
	}
	return res
}

// attempt invokes op once. The call is detached from ctx cancellation so
// that an in-flight request is not torn down by a batch-wide shutdown; the
// attempt timeout still applies.
func (e *Engine) attempt(ctx context.Context, item Item, op Op) (text string, err error) {
	actx := context.WithoutCancel(ctx)
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, e.attemptTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.InvalidContent, "batch", "item %d panicked: %v", item.Index, p)
		}
	}()

	text, err = op(actx, item)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.ProviderUnavailable) {
		err = apperr.Wrap(apperr.ProviderUnavailable, fmt.Sprintf("batch: attempt timed out after %s", e.attemptTimeout), err)
	}
	return text, err
}

// Package asyncops wraps potentially slow boundary operations such as
// cache population and waveform analysis with off-thread execution, timeouts,
// bounded retry and result caching. It is purely a control-side concern and
// has no render-thread presence.
package asyncops

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/soundfold/mixcore/ffi"
)

// CallClass bundles the retry and timeout policy for a family of operations.
type CallClass struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
	// BaseBackoff doubles per attempt.
	BaseBackoff time.Duration
	// CacheTTL is how long a completed result satisfies repeat calls.
	CacheTTL time.Duration
}

// DefaultClass is the policy used when a call names no class.
var DefaultClass = CallClass{
	Name:        "default",
	Timeout:     5 * time.Second,
	MaxRetries:  2,
	BaseBackoff: 100 * time.Millisecond,
	CacheTTL:    30 * time.Second,
}

// Result is the outcome of one dispatched operation.
type Result struct {
	Value     any           `json:"value,omitempty"`
	Err       error         `json:"-"`
	Elapsed   time.Duration `json:"elapsed"`
	FromCache bool          `json:"from_cache"`
}

type cachedResult struct {
	value   any
	elapsed time.Duration
	expires time.Time
}

// Operation is the unit of dispatched work. It must honor ctx cancellation;
// there is no hard preemption of in-flight work.
type Operation func(ctx context.Context) (any, error)

// Dispatcher executes operations off the calling goroutine with per-class
// policy, duplicate-call suppression and TTL result caching.
type Dispatcher struct {
	mu      sync.Mutex
	classes map[string]CallClass
	cache   map[string]cachedResult
	flight  singleflight.Group
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the default call class registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		classes: map[string]CallClass{DefaultClass.Name: DefaultClass},
		cache:   make(map[string]cachedResult),
	}
}

// RegisterClass installs or replaces a call-class policy.
func (d *Dispatcher) RegisterClass(c CallClass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classes[c.Name] = c
}

func (d *Dispatcher) class(name string) CallClass {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.classes[name]; ok {
		return c
	}
	return DefaultClass
}

// Submit starts op asynchronously under the named class and returns a Task.
// Calls sharing a key while one is in flight await the first call's result
// instead of re-issuing work; completed results are served from cache within
// the class TTL with FromCache set.
func (d *Dispatcher) Submit(key, className string, op Operation) *Task {
	class := d.class(className)
	t := &Task{done: make(chan struct{})}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		t.result = Result{Err: ffi.New(ffi.InvalidState, ffi.CodeEngineStopped, "dispatcher is closed")}
		close(t.done)
		return t
	}
	if cached, ok := d.cache[key]; ok && time.Now().Before(cached.expires) {
		d.mu.Unlock()
		t.result = Result{Value: cached.value, Elapsed: cached.elapsed, FromCache: true}
		close(t.done)
		return t
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		start := time.Now()
		v, err, shared := d.flight.Do(key, func() (any, error) {
			return d.runWithPolicy(key, class, op)
		})
		elapsed := time.Since(start)

		if err == nil && !shared && class.CacheTTL > 0 {
			d.mu.Lock()
			d.cache[key] = cachedResult{value: v, elapsed: elapsed, expires: time.Now().Add(class.CacheTTL)}
			d.mu.Unlock()
		}
		t.result = Result{Value: v, Err: err, Elapsed: elapsed, FromCache: false}
		close(t.done)
	}()
	return t
}

// runWithPolicy applies timeout and bounded exponential-backoff retry.
// Categories that a retry cannot fix are never retried.
func (d *Dispatcher) runWithPolicy(key string, class CallClass, op Operation) (any, error) {
	var lastErr error
	backoff := class.BaseBackoff
	for attempt := 0; attempt <= class.MaxRetries; attempt++ {
		if attempt > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "runWithPolicy",
				"key":      key,
				"class":    class.Name,
				"attempt":  attempt,
				"backoff":  backoff,
			}).Warn("retrying async operation")
			time.Sleep(backoff)
			backoff *= 2
		}

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if class.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, class.Timeout)
		}
		v, err := runAttempt(ctx, op)
		cancel()

		if err == nil {
			return v, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = ffi.Wrap(ffi.IOError, ffi.CodeTimeout, err,
				"operation %q timed out after %v", key, class.Timeout)
		}
		lastErr = err
		if !ffi.CategoryOf(err).Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// runAttempt races op against the attempt deadline. Many operations cannot
// observe ctx mid-call (a cache load blocks in the decoder), so the deadline
// must be enforced from outside: on timeout the caller gets the context
// error immediately and the orphaned goroutine drains when op returns, its
// late result discarded.
func runAttempt(ctx context.Context, op Operation) (any, error) {
	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		ch <- outcome{v: v, err: err}
	}()
	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops a cached result so the next call re-runs the operation.
func (d *Dispatcher) Invalidate(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, key)
}

// Close waits for in-flight operations; new submissions fail with
// InvalidState.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Task is a handle on one dispatched operation.
type Task struct {
	done   chan struct{}
	result Result
}

// Await blocks until the operation completes and returns its result.
func (t *Task) Await() Result {
	<-t.done
	return t.result
}

// Done returns a channel closed on completion, for select-based polling.
func (t *Task) Done() <-chan struct{} { return t.done }

// TryResult returns the result without blocking; ok is false while the
// operation is still in flight.
func (t *Task) TryResult() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

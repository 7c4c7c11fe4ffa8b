package mixcore

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundfold/mixcore/ffi"
)

// Dispatcher serializes every control-side mutation onto one goroutine, so
// topology changes are atomic state transitions: the render context sees the
// state before an operation or after it, never mid-operation. Operations
// return through a response channel; the caller blocks, the render thread
// never does.
type Dispatcher struct {
	mu        sync.RWMutex
	isRunning bool
	ops       chan dispatcherOp
	stopChan  chan struct{}

	errorHandler ErrorHandler

	// Performance tracking. Topology changes should finish well under the
	// budget; slower ones are reported, not rejected.
	lastOpDuration time.Duration
	opBudget       time.Duration
}

type dispatcherOp struct {
	name     string
	apply    func() (any, error)
	response chan dispatcherResult
}

type dispatcherResult struct {
	data any
	err  error
}

// newDispatcher creates a dispatcher reporting through the given handler.
func newDispatcher(handler ErrorHandler) *Dispatcher {
	return &Dispatcher{
		ops:          make(chan dispatcherOp, 100),
		stopChan:     make(chan struct{}),
		errorHandler: handler,
		opBudget:     300 * time.Millisecond,
	}
}

// Start begins the serialized operation loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return ffi.New(ffi.InvalidState, ffi.CodeEngineStopped, "dispatcher is already running")
	}
	d.isRunning = true
	go d.dispatchLoop()
	return nil
}

// Stop halts the dispatcher. In-flight operations complete first.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning {
		return
	}
	close(d.stopChan)
	d.isRunning = false
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// LastOperationDuration returns the duration of the most recent operation.
func (d *Dispatcher) LastOperationDuration() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOpDuration
}

func (d *Dispatcher) dispatchLoop() {
	for {
		select {
		case <-d.stopChan:
			return
		case op := <-d.ops:
			start := time.Now()
			data, err := op.apply()
			duration := time.Since(start)

			d.mu.Lock()
			d.lastOpDuration = duration
			budget := d.opBudget
			d.mu.Unlock()

			if duration > budget {
				d.errorHandler.HandleError(ffi.New(ffi.Unknown, ffi.CodeInternal,
					"operation %q took %v, budget is %v", op.name, duration, budget))
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "dispatchLoop",
					"operation": op.name,
					"error":     err.Error(),
				}).Debug("dispatcher operation failed")
			}

			op.response <- dispatcherResult{data: data, err: err}
		}
	}
}

// run executes apply on the dispatcher goroutine and waits for its result.
func (d *Dispatcher) run(name string, apply func() (any, error)) (any, error) {
	d.mu.RLock()
	running := d.isRunning
	d.mu.RUnlock()
	if !running {
		return nil, ffi.New(ffi.InvalidState, ffi.CodeEngineStopped,
			"dispatcher is not running").WithContext(name)
	}

	response := make(chan dispatcherResult, 1)
	select {
	case d.ops <- dispatcherOp{name: name, apply: apply, response: response}:
	case <-d.stopChan:
		return nil, ffi.New(ffi.InvalidState, ffi.CodeEngineStopped,
			"dispatcher stopped").WithContext(name)
	}
	select {
	case result := <-response:
		return result.data, result.err
	case <-d.stopChan:
		return nil, ffi.New(ffi.InvalidState, ffi.CodeEngineStopped,
			"dispatcher stopped").WithContext(name)
	}
}

package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/versa/vm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("server: worker stopped")

// workRequest is a unit of work to be executed on the worker goroutine.
type workRequest struct {
	fn   func(*vm.Interpreter) (any, error)
	done chan workResult
}

type workResult struct {
	value any
	err   error
}

// Worker serializes execution through a single goroutine that owns one
// interpreter. Handlers that run code go through Do, so the VM sees a
// single worker and the compiler keeps its single-worker speculation.
type Worker struct {
	interp   *vm.Interpreter
	requests chan workRequest
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker for v and starts its goroutine.
func NewWorker(v *vm.VM) *Worker {
	w := &Worker{
		interp:   v.NewWorker(),
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.stopped)
	defer w.interp.Close()
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the interpreter, recovering from panics.
func (w *Worker) execute(fn func(*vm.Interpreter) (any, error)) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("%v", r)
		}
	}()
	result.value, result.err = fn(w.interp)
	return result
}

// Do runs fn on the worker goroutine and blocks until it completes.
func (w *Worker) Do(fn func(*vm.Interpreter) (any, error)) (any, error) {
	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		select {
		case result := <-req.done:
			return result.value, result.err
		default:
			return nil, ErrWorkerStopped
		}
	}
}

// Stop shuts down the worker goroutine and closes its interpreter. Work
// in progress finishes first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}

// VM returns the VM the worker runs on.
func (w *Worker) VM() *vm.VM {
	return w.interp.VM()
}

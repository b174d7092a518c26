package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs background goroutines that share one context and are stopped together.
// The control loop, the E-stop monitor, the audit worker and the operator server each own one.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

type workers struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStoppableWorkers starts one goroutine per function.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithContext(context.Background(), funcs...)
}

// NewStoppableWorkersWithContext starts one goroutine per function. The workers' context is
// also cancelled when parent is done.
func NewStoppableWorkersWithContext(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(parent)
	w := &workers{ctx: ctx, cancel: cancel}
	w.AddWorkers(funcs...)
	return w
}

// AddWorkers starts more goroutines. It does nothing once the workers are stopped or the parent
// context is done. A panicking worker is logged and counted as finished.
func (w *workers) AddWorkers(funcs ...func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	for _, fn := range funcs {
		w.wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer w.wg.Done()
			fn(w.ctx)
		})
	}
}

// Stop cancels the workers' context and waits for every worker to return.
func (w *workers) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
}

// Context is cancelled when the workers are stopped.
func (w *workers) Context() context.Context {
	return w.ctx
}

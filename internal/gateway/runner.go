package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/groutine"
	"github.com/srg/brickbase/internal/lua"
)

// DefaultSettleDelay bounds how long a new script waits for the one it replaces
const DefaultSettleDelay = 50 * time.Millisecond

// ScriptSandbox executes one script in an isolated engine
type ScriptSandbox interface {
	RunOnce(ctx context.Context, name, src string, opts lua.RunOptions) lua.RunResult
}

// ScriptRunner keeps at most one script running. Submitting a script cancels the current
// run first; results of a replaced run are discarded.
type ScriptRunner struct {
	sandbox  ScriptSandbox
	settle   time.Duration
	logger   *logrus.Logger
	onResult func(lua.RunResult)

	mu     sync.Mutex // serializes Submit and Stop
	cancel context.CancelFunc
	done   <-chan struct{}
	gen    atomic.Uint64
	group  groutine.Group
}

// NewScriptRunner creates a runner; onResult receives the result of every run that was not replaced
func NewScriptRunner(sandbox ScriptSandbox, settle time.Duration, logger *logrus.Logger, onResult func(lua.RunResult)) *ScriptRunner {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if onResult == nil {
		onResult = func(lua.RunResult) {}
	}
	return &ScriptRunner{sandbox: sandbox, settle: settle, logger: logger, onResult: onResult}
}

// Submit replaces whatever is running with src. It returns once the new run has started.
func (r *ScriptRunner) Submit(parent context.Context, name, src string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopCurrentLocked()

	gen := r.gen.Add(1)
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	taskName := fmt.Sprintf("script-%d", gen)
	r.group.Go(ctx, taskName, func(ctx context.Context) {
		defer close(done)
		defer cancel()
		res := r.sandbox.RunOnce(ctx, name, src, lua.RunOptions{})
		r.deliver(gen, res)
	})

	r.logger.WithFields(logrus.Fields{
		"script":     name,
		"generation": gen,
		"size":       len(src),
	}).Info("Script started")
	return gen
}

// stopCurrentLocked cancels the current run and waits up to the settle delay for it.
// A run that does not stop in time is abandoned; its result will not be delivered.
func (r *ScriptRunner) stopCurrentLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()

	timer := time.NewTimer(r.settle)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		r.logger.WithField("generation", r.gen.Load()).Warn("Previous script did not stop within the settle delay, abandoning it")
	}
	r.cancel = nil
	r.done = nil
}

func (r *ScriptRunner) deliver(gen uint64, res lua.RunResult) {
	if gen != r.gen.Load() || res.Cancelled() {
		r.logger.WithFields(logrus.Fields{
			"script":     res.Name,
			"generation": gen,
		}).Debug("Discarding output of a replaced script")
		return
	}
	r.onResult(res)
}

// Generation returns the number of the latest submitted run
func (r *ScriptRunner) Generation() uint64 {
	return r.gen.Load()
}

// Running lists the script tasks that have not returned yet
func (r *ScriptRunner) Running() []string {
	return r.group.Running()
}

// Stop cancels the current run and waits for every script task to return
func (r *ScriptRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.gen.Add(1)
		r.cancel()
		r.cancel = nil
		r.done = nil
	}
	r.mu.Unlock()
	r.group.Wait()
}

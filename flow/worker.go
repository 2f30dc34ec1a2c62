package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowcore-go/flow/emit"
)

// Worker drives executions forward. It claims runnable executions from
// the store under a lease, runs one step of each through the engine,
// fires due schedules, and sweeps expired signals.
//
// Workers are stateless and crash-safe. Any number of workers in any
// number of processes can share one store: the lease protocol
// guarantees at most one worker runs a step of a given execution at a
// time, and a crashed worker's claims expire on their own.
//
// Example usage:
//
//	worker := flow.NewWorker(engine, flow.NewScheduler(engine))
//	go worker.Run(ctx)
//	defer worker.Stop()
type Worker struct {
	engine    *Engine
	store     Store
	scheduler *Scheduler
	owner     string
	opts      Options

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	notify  chan struct{}
	done    chan struct{}
}

// NewWorker creates a worker over the engine's store. A nil scheduler
// disables schedule firing in this worker. Options default to the
// engine's options.
func NewWorker(engine *Engine, scheduler *Scheduler, opts ...Option) *Worker {
	o := engine.opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Worker{
		engine:    engine,
		store:     engine.store,
		scheduler: scheduler,
		owner:     "worker_" + uuid.NewString(),
		opts:      o,
		notify:    make(chan struct{}, 1),
	}
}

// Owner returns the worker's lease owner id.
func (w *Worker) Owner() string { return w.owner }

// Notify wakes the worker before its next poll interval elapses. The
// signal layer calls it when a webhook lands so parked executions
// resume promptly.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run polls for runnable executions until the context is cancelled or
// Stop is called. It blocks; run it in a goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	// Signal sweeps are cheap but not per-tick work.
	sweepEvery := w.opts.SignalTTL / 4
	if sweepEvery < time.Minute {
		sweepEvery = time.Minute
	}
	lastSweep := w.opts.Clock()

	for {
		w.tick(ctx)

		now := w.opts.Clock()
		if now.Sub(lastSweep) >= sweepEvery {
			lastSweep = now
			if n, err := w.store.SweepExpiredSignals(ctx, now, w.opts.SignalTTL); err == nil && n > 0 {
				w.opts.Metrics.RecordDeadLetters(n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-w.notify:
		case <-ticker.C:
		}
	}
}

// Stop ends the Run loop and waits for in-flight steps to commit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

// tick runs one round: fire due schedules, then claim and execute a
// batch of steps.
func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if w.scheduler != nil {
		w.scheduler.FireDue(ctx, w.opts.Clock())
	}
	w.RunOnce(ctx)
}

// RunOnce claims up to ClaimBatch runnable executions and executes one
// step of each, bounded by MaxConcurrent. It returns the number of
// executions claimed; tests and embedders can drive the worker
// deterministically with it.
func (w *Worker) RunOnce(ctx context.Context) int {
	now := w.opts.Clock()
	claimed, err := w.store.ClaimRunnable(ctx, w.owner, w.opts.ClaimBatch, now, w.opts.LeaseDuration)
	if err != nil || len(claimed) == 0 {
		return 0
	}
	w.opts.Metrics.RecordClaims(len(claimed))

	sem := make(chan struct{}, w.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for _, exec := range claimed {
		wg.Add(1)
		go func(exec *Execution) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			w.opts.Metrics.StepStarted()
			defer w.opts.Metrics.StepFinished()

			if err := w.engine.ExecuteStep(ctx, w.owner, exec); err != nil {
				// Nothing committed; drop the lease so another claim
				// can pick the execution up.
				_ = w.store.ReleaseLease(ctx, exec.ID, w.owner)
				w.opts.Emitter.Emit(stepErrorEvent(exec.ID, err))
			}
		}(exec)
	}
	wg.Wait()
	return len(claimed)
}

func stepErrorEvent(execID string, err error) emit.Event {
	return emit.Event{
		ExecutionID: execID,
		Msg:         "step_error",
		Meta:        map[string]any{"error": err.Error()},
	}
}

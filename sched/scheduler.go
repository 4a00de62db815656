// Package sched implements the fiber scheduler core: a strict-FIFO
// ready queue, fiber creation, voluntary yield, and the watcher hook
// the I/O scheduler builds on.
package sched

import (
	"container/list"
	"fmt"

	"github.com/ObjatieGroba/gofibersched/fiber"
	"github.com/ObjatieGroba/gofibersched/stackpool"
	"github.com/rs/zerolog"
)

// Scheduler runs fibers cooperatively on the goroutine that calls Run.
// It is not safe for concurrent use; exactly one goroutine (the one
// running the dispatch loop) may call its methods while a run is live.
type Scheduler struct {
	pool    *stackpool.Pool
	ready   *list.List // of *fiber.Context
	running *fiber.Context
	log     zerolog.Logger

	created   int64
	completed int64
	switches  int64
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithStackPool supplies a pre-built stack pool instead of a fresh one.
func WithStackPool(p *stackpool.Pool) Option {
	return func(s *Scheduler) { s.pool = p }
}

// New creates an idle Scheduler with an empty ready queue.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		ready: list.New(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = stackpool.New()
	}
	return s
}

// Schedule allocates a Context for closure and appends it to the ready
// queue's tail.
func (s *Scheduler) Schedule(closure func()) *fiber.Context {
	ctx := fiber.New(s.pool, closure)
	s.created++
	s.enqueue(ctx)
	s.log.Debug().Int64("fiber", ctx.ID).Msg("scheduled")
	return ctx
}

// enqueue appends ctx to the ready queue's tail without touching its
// pending next-action (used both for brand-new fibers and plain yields).
func (s *Scheduler) enqueue(ctx *fiber.Context) {
	s.ready.PushBack(ctx)
}

// Reschedule re-enqueues ctx, which must already have had SetNext called
// to describe how it should resume (a result Payload, or a Throw). The
// I/O scheduler uses this when a parked read/write/accept completes.
func (s *Scheduler) Reschedule(ctx *fiber.Context) {
	s.enqueue(ctx)
}

// Current returns the Context presently dispatched on the CPU, or nil
// if the scheduler is between dispatches.
func (s *Scheduler) Current() *fiber.Context {
	return s.running
}

// InstallWatcherOnCurrent attaches w to the running context so it is
// examined once that fiber next returns control to the scheduler.
func (s *Scheduler) InstallWatcherOnCurrent(w fiber.Watcher) error {
	if s.running == nil {
		return fmt.Errorf("sched: %w: no fiber is currently running", ErrUsage)
	}
	s.running.SetWatcher(w)
	return nil
}

// Empty reports whether the ready queue has no runnable fiber.
func (s *Scheduler) Empty() bool {
	return s.ready.Len() == 0
}

// RunOne pops the head Context, dispatches it, and on return either
// destroys it (Stop), hands it to its watcher (Sched + watcher
// installed), or re-enqueues it at the tail (Sched, no watcher).
//
// A fiber closure's uncaught panic is re-raised here (on the caller of
// RunOne) after the Context is torn down:
// fiber-internal exceptions terminate the run.
func (s *Scheduler) RunOne() {
	front := s.ready.Front()
	s.ready.Remove(front)
	ctx := front.Value.(*fiber.Context)

	s.running = ctx
	out := ctx.Resume()
	s.switches++
	s.running = nil

	watcher := ctx.TakeWatcher()
	switch out.Kind {
	case fiber.Stop:
		ctx.Close()
		s.completed++
		s.log.Debug().Int64("fiber", ctx.ID).Err(out.Err).Msg("stopped")
		if out.Err != nil {
			panic(out.Err)
		}
	case fiber.Sched:
		if watcher != nil {
			watcher.Observe(out, ctx)
		} else {
			ctx.SetNext(fiber.Action{Kind: fiber.Sched})
			s.enqueue(ctx)
		}
	default:
		panic(fmt.Sprintf("sched: fiber returned unexpected action kind %v", out.Kind))
	}
}

// Run drains the ready queue fully, dispatching every runnable fiber
// (and whatever it schedules in turn) until none remain. The base
// Scheduler never blocks in the kernel; ioloop.Scheduler overrides Run
// to also wait on the readiness notifier once the ready queue empties.
func (s *Scheduler) Run() {
	for !s.Empty() {
		s.RunOne()
	}
}

// Close asserts the ready queue is empty (a non-empty queue at teardown
// is a usage bug: some fiber was scheduled and never allowed to run to
// quiescence) and releases the stack pool.
func (s *Scheduler) Close() error {
	if !s.Empty() {
		return fmt.Errorf("sched: %w: ready queue is not empty", ErrUsage)
	}
	s.pool.Close()
	return nil
}

// Stats is a point-in-time snapshot of scheduler activity, useful for
// the test suite's fairness/throughput assertions.
type Stats struct {
	FibersCreated   int64
	FibersCompleted int64
	ContextSwitches int64
}

// Stats returns a snapshot of this scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FibersCreated:   s.created,
		FibersCompleted: s.completed,
		ContextSwitches: s.switches,
	}
}

//go:build linux

// Package async is the process-wide scheduler binding and the
// synchronous-looking I/O façade on top of sched/ioloop: the surface
// fiber closures actually call — Schedule, Yield, and
// Async.Accept/Read/Write — without ever holding a *ioloop.Scheduler
// themselves.
package async

import (
	"fmt"
	"sync"

	"github.com/ObjatieGroba/gofibersched/fiber"
	"github.com/ObjatieGroba/gofibersched/ioloop"
	"github.com/ObjatieGroba/gofibersched/sched"
)

var (
	mu      sync.Mutex
	current *ioloop.Scheduler
)

// ErrAlreadyBound is returned by Run when a scheduler is already bound.
var ErrAlreadyBound = fmt.Errorf("async: %w: a scheduler is already bound", sched.ErrUsage)

// ErrNoScheduler is the sched.ErrUsage-wrapping error panicked by Schedule/Yield (and
// returned by Accept/Read/Write) when called outside Run's dynamic
// extent.
var ErrNoScheduler = fmt.Errorf("async: %w: no scheduler bound", sched.ErrUsage)

// Run binds sc as the current process-wide scheduler, runs it to
// quiescence, and clears the binding on every exit path — including a
// fiber-internal panic propagating out of sc.Run.
func Run(sc *ioloop.Scheduler) error {
	mu.Lock()
	if current != nil {
		mu.Unlock()
		return ErrAlreadyBound
	}
	current = sc
	mu.Unlock()

	defer func() {
		mu.Lock()
		current = nil
		mu.Unlock()
	}()

	sc.Run()
	return nil
}

func bound() *ioloop.Scheduler {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// Schedule spawns closure as a new fiber on the current scheduler.
// Calling it with no scheduler bound is a usage bug and panics.
func Schedule(closure func()) *fiber.Context {
	sc := bound()
	if sc == nil {
		panic(ErrNoScheduler)
	}
	return sc.Schedule(closure)
}

// Yield voluntarily suspends the calling fiber, rescheduling it at the
// ready queue's tail. Calling it from outside a running fiber, or with
// no scheduler bound, is a usage bug and panics.
func Yield() {
	sc := bound()
	if sc == nil {
		panic(ErrNoScheduler)
	}
	ctx := sc.Current()
	if ctx == nil {
		panic(fmt.Errorf("async: %w: Yield called with no fiber running", sched.ErrUsage))
	}
	if _, err := ctx.Yield(fiber.Payload{}); err != nil {
		panic(err)
	}
}

// currentOrErr returns the bound scheduler and its running context, or
// a sched.ErrUsage-wrapping error as a plain value — Async.* operations return usage
// errors rather than panicking, since they already have the (int, error)
// shape to carry one.
func currentOrErr() (*ioloop.Scheduler, *fiber.Context, error) {
	sc := bound()
	if sc == nil {
		return nil, nil, ErrNoScheduler
	}
	ctx := sc.Current()
	if ctx == nil {
		return nil, nil, fmt.Errorf("async: %w: called with no fiber running", sched.ErrUsage)
	}
	return sc, ctx, nil
}

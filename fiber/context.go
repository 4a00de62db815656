package fiber

import (
	"fmt"
	"sync/atomic"

	"github.com/ObjatieGroba/gofibersched/stackpool"
)

// Watcher is installed on the currently running Context and examined
// exactly once, when that fiber next returns control to the scheduler.
// It is how an Async I/O call routes its suspended Context into the
// I/O scheduler's wait table without the core scheduler knowing the
// difference between an I/O yield and a plain one.
type Watcher interface {
	Observe(action Action, ctx *Context)
}

var idCounter int64

// Context is a suspended (or about-to-run) fiber: its closure, its
// scratch stack, and the bookkeeping the scheduler needs to resume it.
//
// Go has no public primitive for swapping a goroutine's instruction and
// stack pointers, so Context.Resume/Yield implement the
// switch(action) -> action contract with an unbuffered-channel rendezvous
// instead of register save/restore: each side blocks until the other is
// ready to proceed, so at most one of {scheduler, fiber} ever runs past
// its rendezvous point at a time, which is the invariant the reference
// asm trampoline exists to guarantee.
type Context struct {
	ID      int64
	closure func()
	stack   *stackpool.Stack

	watcher Watcher
	next    Action // the Action delivered on this Context's next Resume

	toFiber   chan Action
	fromFiber chan Action
	started   bool
	closed    bool
}

// New allocates a Context for closure, acquiring a scratch stack from pool.
func New(pool *stackpool.Pool, closure func()) *Context {
	return &Context{
		ID:        atomic.AddInt64(&idCounter, 1),
		closure:   closure,
		stack:     pool.Acquire(),
		toFiber:   make(chan Action),
		fromFiber: make(chan Action),
	}
}

// Scratch exposes this fiber's stack-pool-backed scratch buffer.
func (c *Context) Scratch() []byte { return c.stack.Bytes() }

// SetWatcher installs w on c, to be examined on c's next return-to-scheduler.
func (c *Context) SetWatcher(w Watcher) { c.watcher = w }

// TakeWatcher returns and clears c's installed watcher, if any.
func (c *Context) TakeWatcher() Watcher {
	w := c.watcher
	c.watcher = nil
	return w
}

// SetNext stores the Action to be delivered the next time c is resumed.
// The scheduler's ready-queue path calls this before re-enqueuing a
// plain yield; the I/O scheduler calls it with a Throw or a result
// Payload when a parked read/write/accept completes.
func (c *Context) SetNext(a Action) { c.next = a }

// Resume switches control from the scheduler into c, delivering c.next
// (or Start, on first entry), and blocks until c next returns control
// to the scheduler (via Stop or Sched), returning the Action it sent.
func (c *Context) Resume() Action {
	if !c.started {
		c.started = true
		go c.trampoline()
	}
	in := c.next
	c.toFiber <- in
	return <-c.fromFiber
}

// Yield is called from inside the running closure (directly, or via the
// sched/async packages' free functions) to suspend at this point. It
// blocks until the scheduler resumes c, returning the payload delivered
// then, or the injected error if the scheduler resumed with Throw.
func (c *Context) Yield(p Payload) (Payload, error) {
	c.fromFiber <- Action{Kind: Sched, Payload: p}
	in := <-c.toFiber
	if in.Kind == Throw {
		return Payload{}, in.Err
	}
	return in.Payload, nil
}

// Close releases c's scratch stack back to its pool. Idempotent.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.stack.Release()
}

// fiberPanic wraps the injected Throw error delivered on a fiber's first
// entry, so the trampoline can tell it apart from a value the closure
// itself panicked with (a fiber is free to panic(err) itself). Both are
// reported as the Err of the final Stop action.
type fiberPanic struct{ v any }

func (c *Context) trampoline() {
	first := <-c.toFiber
	var out Action
	func() {
		defer func() {
			if r := recover(); r != nil {
				if fp, ok := r.(fiberPanic); ok {
					out = Action{Kind: Stop, Err: toError(fp.v)}
				} else {
					out = Action{Kind: Stop, Err: toError(r)}
				}
			}
		}()
		if first.Kind == Throw {
			panic(fiberPanic{first.Err})
		}
		c.closure()
		out = Action{Kind: Stop}
	}()
	c.fromFiber <- out
}

func toError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("fiber panic: %v", v)
}

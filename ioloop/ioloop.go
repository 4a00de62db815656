//go:build linux

// Package ioloop extends sched's fiber scheduler core with the readiness
// subscription table and an epoll-backed event loop: it owns one epoll
// instance, tracks which fiber is parked on which (fd, direction), and
// drives parked fibers to completion as the kernel reports their
// descriptors ready.
package ioloop

import (
	"errors"
	"fmt"

	"github.com/ObjatieGroba/gofibersched/fiber"
	"github.com/ObjatieGroba/gofibersched/sched"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrDescriptorHangup is delivered to a parked fiber when the readiness
// notifier reports error or hangup on its descriptor (for example, the
// peer end of a socketpair being closed). Closing the parked descriptor
// itself removes it from the epoll interest list without reporting any
// event, so the fiber parked on it is not woken and stays in the wait
// table.
var ErrDescriptorHangup = errors.New("ioloop: descriptor error or hangup")

type direction int

const (
	dirIn direction = iota
	dirOut
)

func (d direction) String() string {
	if d == dirIn {
		return "in"
	}
	return "out"
}

// waitNode is a parked fiber plus the retry closure the completion path
// calls to attempt the syscall again (do_read/do_write/do_accept in
// terms).
type waitNode struct {
	ctx     *fiber.Context
	attempt func() (int, error)
}

// fdWait holds the at-most-one-reader, at-most-one-writer parked on a
// single descriptor.
type fdWait struct {
	in  *waitNode
	out *waitNode
}

func (w *fdWait) interest() uint32 {
	var mask uint32
	if w.in != nil {
		mask |= unix.EPOLLIN
	}
	if w.out != nil {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Scheduler is the I/O-aware fiber scheduler: the core dispatch loop
// plus the epoll-backed wait table, combined by embedding rather than
// composed alongside it.
type Scheduler struct {
	*sched.Scheduler
	epfd      int
	waitList  map[int]*fdWait
	log       zerolog.Logger
	maxEvents int
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMaxEvents bounds how many ready events a single epoll_wait call
// retrieves at once. Default 64.
func WithMaxEvents(n int) Option {
	return func(s *Scheduler) { s.maxEvents = n }
}

// WithCoreScheduler supplies a pre-built sched.Scheduler (e.g. one
// constructed with a custom stack pool) instead of a fresh default one.
func WithCoreScheduler(core *sched.Scheduler) Option {
	return func(s *Scheduler) { s.Scheduler = core }
}

// New creates a Scheduler backed by a fresh epoll instance. Failure to
// create the readiness notifier is a synchronous construction error.
func New(opts ...Option) (*Scheduler, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioloop: create epoll instance: %w", err)
	}
	s := &Scheduler{
		Scheduler: sched.New(),
		epfd:      epfd,
		waitList:  make(map[int]*fdWait),
		log:       zerolog.Nop(),
		maxEvents: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AwaitRead installs a watcher that, once ctx next yields, parks it in
// the wait table for read-readiness on fd and registers fd with epoll.
func (s *Scheduler) AwaitRead(ctx *fiber.Context, fd int, attempt func() (int, error)) {
	ctx.SetWatcher(&ioWatcher{s: s, fd: fd, dir: dirIn, attempt: attempt})
}

// AwaitWrite is AwaitRead's write-readiness counterpart.
func (s *Scheduler) AwaitWrite(ctx *fiber.Context, fd int, attempt func() (int, error)) {
	ctx.SetWatcher(&ioWatcher{s: s, fd: fd, dir: dirOut, attempt: attempt})
}

// AwaitAccept parks ctx for read-readiness on a listening fd; a
// listener becomes readable when a connection is pending.
func (s *Scheduler) AwaitAccept(ctx *fiber.Context, fd int, attempt func() (int, error)) {
	ctx.SetWatcher(&ioWatcher{s: s, fd: fd, dir: dirIn, attempt: attempt})
}

type ioWatcher struct {
	s       *Scheduler
	fd      int
	dir     direction
	attempt func() (int, error)
}

func (w *ioWatcher) Observe(_ fiber.Action, ctx *fiber.Context) {
	w.s.park(ctx, w.fd, w.dir, w.attempt)
}

// park inserts ctx into the wait table and (re)registers fd's epoll
// interest set to match. Parking a second fiber on the same (fd,
// direction) is a usage bug and panics with ErrUsage,
// since it is a programmer error discovered on the scheduler's own
// goroutine, not a value any caller is positioned to recover from.
func (s *Scheduler) park(ctx *fiber.Context, fd int, dir direction, attempt func() (int, error)) {
	fw, existed := s.waitList[fd]
	if !existed {
		fw = &fdWait{}
		s.waitList[fd] = fw
	}
	node := &waitNode{ctx: ctx, attempt: attempt}
	switch dir {
	case dirIn:
		if fw.in != nil {
			panic(fmt.Errorf("ioloop: %w: fd %d already has a parked reader", sched.ErrUsage, fd))
		}
		fw.in = node
	case dirOut:
		if fw.out != nil {
			panic(fmt.Errorf("ioloop: %w: fd %d already has a parked writer", sched.ErrUsage, fd))
		}
		fw.out = node
	}
	if err := s.arm(fd, fw, !existed); err != nil {
		panic(err)
	}
	s.log.Debug().Int("fd", fd).Str("dir", dir.String()).Msg("parked")
}

func (s *Scheduler) arm(fd int, fw *fdWait, isNew bool) error {
	ev := unix.EpollEvent{Events: fw.interest() | unix.EPOLLET, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if isNew {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(s.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

func (s *Scheduler) unpark(fd int, dir direction) {
	fw, ok := s.waitList[fd]
	if !ok {
		return
	}
	switch dir {
	case dirIn:
		fw.in = nil
	case dirOut:
		fw.out = nil
	}
	if fw.in == nil && fw.out == nil {
		delete(s.waitList, fd)
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	_ = s.arm(fd, fw, false)
}

// complete retries the parked operation. On transient would-block it
// leaves the fiber parked (edge-triggered epoll will report the next
// readiness edge); otherwise it unparks and reschedules the fiber with
// the result or the failure.
func (s *Scheduler) complete(fd int, dir direction, node *waitNode) {
	n, err := node.attempt()
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	s.unpark(fd, dir)
	if err != nil {
		node.ctx.SetNext(fiber.Action{Kind: fiber.Throw, Err: err})
	} else {
		node.ctx.SetNext(fiber.Action{Payload: fiber.Payload{Word: n}})
	}
	s.Scheduler.Reschedule(node.ctx)
}

func (s *Scheduler) failFd(fd int, cause error) {
	fw, ok := s.waitList[fd]
	if !ok {
		return
	}
	delete(s.waitList, fd)
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	for _, node := range [...]*waitNode{fw.in, fw.out} {
		if node == nil {
			continue
		}
		node.ctx.SetNext(fiber.Action{Kind: fiber.Throw, Err: cause})
		s.Scheduler.Reschedule(node.ctx)
	}
}

// Run overrides sched.Scheduler.Run: drain the ready
// queue fully, then block in epoll_wait only if fibers remain parked,
// dispatching each reported event before draining again.
func (s *Scheduler) Run() {
	for {
		for !s.Empty() {
			s.RunOne()
		}
		if len(s.waitList) == 0 {
			return
		}
		events, err := s.waitReady()
		if err != nil {
			panic(fmt.Errorf("ioloop: epoll_wait: %w", err))
		}
		for _, ev := range events {
			fd := int(ev.Fd)
			fw, ok := s.waitList[fd]
			if !ok {
				continue
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				s.failFd(fd, ErrDescriptorHangup)
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 && fw.in != nil {
				s.complete(fd, dirIn, fw.in)
			}
			if ev.Events&unix.EPOLLOUT != 0 && fw.out != nil {
				s.complete(fd, dirOut, fw.out)
			}
		}
	}
}

func (s *Scheduler) waitReady() ([]unix.EpollEvent, error) {
	events := make([]unix.EpollEvent, s.maxEvents)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return events[:n], nil
	}
}

// Close asserts the wait table is empty, closes the core scheduler
// (which itself asserts the ready queue is empty), and closes the
// epoll instance.
func (s *Scheduler) Close() error {
	if len(s.waitList) != 0 {
		return fmt.Errorf("ioloop: %w: wait table is not empty", sched.ErrUsage)
	}
	if err := s.Scheduler.Close(); err != nil {
		return err
	}
	return unix.Close(s.epfd)
}

//go:build linux

package async

import (
	"errors"

	"github.com/ObjatieGroba/gofibersched/fiber"
	"github.com/ObjatieGroba/gofibersched/ioloop"
	"golang.org/x/sys/unix"
)

// Read behaves like a blocking read(2): it returns bytes transferred,
// 0 on orderly EOF, or an error. Internally it attempts a single
// non-blocking read; on EAGAIN it parks the calling fiber and retries
// once per readiness report on fd, returning the first result that is
// not EAGAIN.
func Read(fd int, buf []byte) (int, error) {
	return doIO(fd, func() (int, error) { return unix.Read(fd, buf) }, (*ioloop.Scheduler).AwaitRead)
}

// Write behaves like a blocking write(2). A short write is possible;
// callers that need the whole buffer written must loop, per the
// Open Question resolution: write is single-attempt, not loop-to-completion.
func Write(fd int, buf []byte) (int, error) {
	return doIO(fd, func() (int, error) { return unix.Write(fd, buf) }, (*ioloop.Scheduler).AwaitWrite)
}

// Accept behaves like a blocking accept(2), returning the new
// connection's file descriptor (already non-blocking and close-on-exec).
func Accept(fd int) (int, error) {
	return doIO(fd, func() (int, error) {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return nfd, err
	}, (*ioloop.Scheduler).AwaitAccept)
}

type awaitFunc func(*ioloop.Scheduler, *fiber.Context, int, func() (int, error))

func doIO(fd int, attempt func() (int, error), await awaitFunc) (int, error) {
	sc, ctx, err := currentOrErr()
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, err
	}

	n, err := attempt()
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, unix.EAGAIN) {
		return 0, err
	}

	await(sc, ctx, fd, attempt)
	payload, werr := ctx.Yield(fiber.Payload{})
	if werr != nil {
		return 0, werr
	}
	return payload.Word, nil
}

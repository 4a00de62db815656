package sched

import "errors"

// ErrUsage tags programmer-error conditions:
// double-binding a scheduler, yielding with no current fiber, tearing
// down a scheduler with pending work. These are not recoverable by the
// runtime; callers that hit one have a bug to fix, not a retry loop to
// write.
var ErrUsage = errors.New("sched: usage error")

package fiber

// Kind tags an Action with its direction and purpose.
type Kind int

const (
	// Start enters a fiber's trampoline for the first time.
	Start Kind = iota
	// Throw raises an injected error at the fiber's suspension point.
	Throw
	// Stop reports that a fiber's closure has returned or panicked.
	Stop
	// Sched is a voluntary yield: reschedule me.
	Sched
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "START"
	case Throw:
		return "THROW"
	case Stop:
		return "STOP"
	case Sched:
		return "SCHED"
	default:
		return "UNKNOWN"
	}
}

// Payload is the pointer-sized value carried across every switch. Only
// one field is meaningful for a given Action; the rest are zero. It
// mirrors the reference's union of {ptr, int32, uint32, size/ssize}.
type Payload struct {
	Ptr  any // opaque reference payload (e.g. accepted net handle)
	I32  int32
	U32  uint32
	Word int // stand-in for size_t / ssize_t (byte counts, fds)
}

// Action is the message exchanged on every context switch. The scheduler
// never interprets Payload; it passes through verbatim. Err carries the
// exception for Throw, or a fiber-internal panic captured at Stop.
type Action struct {
	Kind    Kind
	Payload Payload
	Err     error
}

package zone

import (
	"errors"
	"fmt"

	"github.com/joshuapare/autozone/internal/logger"
)

// Resource exhaustion. Returned to the caller; never fatal.
var (
	// ErrNoSpace indicates that neither free lists, active subzones nor the
	// arena had room for a request.
	ErrNoSpace = errors.New("zone: no space")

	// ErrTooLarge indicates a request larger than the arena could ever hold.
	ErrTooLarge = errors.New("zone: allocation too large")
)

// Usage errors. Reported through Options.ErrorHook, which aborts by default.
var (
	// ErrBadAddress indicates an address that is not the start of a block
	// owned by the zone.
	ErrBadAddress = errors.New("zone: bad address")

	// ErrDoubleFree indicates a free of a block that is already free.
	ErrDoubleFree = errors.New("zone: double free")

	// ErrRefcountUnderflow indicates a release of a block whose count is zero.
	ErrRefcountUnderflow = errors.New("zone: refcount underflow")

	// ErrResurrection indicates a store of a reference to a block the
	// collector has already declared garbage.
	ErrResurrection = errors.New("zone: resurrection of garbage block")

	// ErrForeignLocal indicates use of another thread's thread-local block.
	ErrForeignLocal = errors.New("zone: thread-local block used by foreign thread")

	// ErrStackOverflow indicates a push onto a full shadow stack.
	ErrStackOverflow = errors.New("zone: shadow stack overflow")

	// ErrStackUnderflow indicates a pop from an empty shadow stack.
	ErrStackUnderflow = errors.New("zone: shadow stack underflow")

	// ErrClosed indicates use of a closed zone.
	ErrClosed = errors.New("zone: closed")

	// ErrUnregistered indicates use of a thread after Unregister.
	ErrUnregistered = errors.New("zone: thread unregistered")
)

// ErrCorruption indicates a failed integrity check: a free-list node whose
// sizes disagree, side data contradicting itself, or a damaged large header.
var ErrCorruption = errors.New("zone: heap corruption")

// ErrTransient indicates a platform operation that may succeed when retried,
// such as capturing the registers of a thread that is mid-unbind.
var ErrTransient = errors.New("zone: transient platform error")

// UsageError describes a misuse of the zone API that risks heap corruption
// if execution continues.
type UsageError struct {
	Op   string  // Operation that detected the misuse
	Addr uintptr // Block address involved, if any
	Err  error   // One of the usage sentinels
}

func (e *UsageError) Error() string {
	if e.Addr == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// ErrorHook receives every usage error and integrity failure before it is
// returned. A hook that returns lets the caller see the error.
type ErrorHook func(err error)

// AbortOnError logs err and panics. It is the default ErrorHook.
func AbortOnError(err error) {
	logger.Error("autozone: fatal", "error", err)
	panic(err)
}

// IgnoreErrors is an ErrorHook that only returns the error to the caller.
func IgnoreErrors(error) {}

// usage reports a usage error through the hook and returns it.
func (z *Zone) usage(op string, addr uintptr, err error) error {
	ue := &UsageError{Op: op, Addr: addr, Err: err}
	z.opts.ErrorHook(ue)
	return ue
}

// corrupt reports an integrity failure through the hook and returns it.
func (z *Zone) corrupt(msg string, args ...any) error {
	err := fmt.Errorf("%w: "+msg, append([]any{ErrCorruption}, args...)...)
	z.opts.ErrorHook(err)
	return err
}

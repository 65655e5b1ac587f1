// Package syscall is the Linux AArch64-compatible syscall dispatch
// layer (spec.md §4.10): it reads a syscall number and six argument
// registers, looks the number up in a table keyed by
// golang.org/x/sys/unix.SYS_* (already numerically identical to the
// real AArch64 ABI, per SPEC_FULL.md's DOMAIN STACK section), validates
// every user pointer, and returns a value for X0 plus a Linux errno.
//
// Named package `syscall` to mirror stdlib's own naming for this exact
// concern; it never imports the standard library's syscall package, and
// call sites import this package under its own name.
package syscall

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// ErrFault reports a user pointer outside [0x1000, 0x4000_0000) or a
// string that didn't terminate within the bounded copy-in length
// (spec.md §4.10: "violations return -EFAULT").
var ErrFault = errors.New("syscall: invalid user pointer")

// toErrno translates an internal sentinel error into the Linux errno the
// syscall ABI returns in X0 as a negative value. Unrecognized errors
// become EIO rather than panicking — a syscall handler bug should never
// crash the whole kernel.
func toErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, vfs.ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, vfs.ErrIsADirectory):
		return unix.EISDIR
	case errors.Is(err, vfs.ErrLoop):
		return unix.ELOOP
	case errors.Is(err, vfs.ErrExists):
		return unix.EEXIST
	case errors.Is(err, vfs.ErrCrossDevice):
		return unix.EXDEV
	case errors.Is(err, vfs.ErrNotSupported):
		return unix.ENOSYS
	case errors.Is(err, proc.ErrNoFreeFD):
		return unix.EMFILE
	case errors.Is(err, proc.ErrInvalidBrk):
		return unix.ENOMEM
	case errors.Is(err, ksync.ErrInterrupted):
		return unix.EINTR
	case errors.Is(err, ksync.ErrDeadlineExceeded):
		return unix.EAGAIN
	case errors.Is(err, ErrFault):
		return unix.EFAULT
	case errors.Is(err, errNotConnected):
		return unix.ENOTCONN
	case errors.Is(err, errBadFD):
		return unix.EBADF
	case errors.Is(err, errInval):
		return unix.EINVAL
	case errors.Is(err, errAgain):
		return unix.EAGAIN
	case errors.Is(err, sched.ErrPoolFull):
		return unix.EAGAIN
	case errors.Is(err, errBrokenPipe):
		return unix.EPIPE
	case errors.Is(err, errUnimplemented):
		return unix.ENOSYS
	default:
		return unix.EIO
	}
}

// result packages a handler's return value: on success ret goes in X0
// as-is; on failure X0 carries -errno, matching the AArch64 Linux ABI's
// single-register signed-return convention.
func result(ret uint64, err error) (uint64, error) {
	if err != nil {
		return uint64(-int64(toErrno(err))), err
	}
	return ret, nil
}

var (
	errBadFD         = errors.New("syscall: bad file descriptor")
	errInval         = errors.New("syscall: invalid argument")
	errAgain         = errors.New("syscall: resource temporarily unavailable")
	errNotConnected  = errors.New("syscall: socket not connected")
	errUnimplemented = errors.New("syscall: not implemented")
)

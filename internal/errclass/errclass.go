// Package errclass classifies raw OS errors from the pipe and socket
// syscalls the monitor and host library use into a small, bounded set of
// conditions, the way github.com/bassosimone/nop/errclass classifies
// dialer errors before they reach a caller.
package errclass

import (
	"errors"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Class is the narrow classification of a transport failure.
type Class int

const (
	// Other is any failure not recognized below.
	Other Class = iota
	// EOF indicates the peer closed its end in an orderly way.
	EOF
	// Refused indicates the peer is not listening (ECONNREFUSED).
	Refused
	// Reset indicates the peer tore down the connection (ECONNRESET).
	Reset
	// Permission indicates EACCES/EPERM.
	Permission
	// NotExist indicates ENOENT, e.g. a stale or unresolved socket path.
	NotExist
	// AddrInUse indicates EADDRINUSE, e.g. a live listen socket collision.
	AddrInUse
	// TimedOut indicates ETIMEDOUT or a context deadline.
	TimedOut
)

func (c Class) String() string {
	switch c {
	case EOF:
		return "eof"
	case Refused:
		return "refused"
	case Reset:
		return "reset"
	case Permission:
		return "permission"
	case NotExist:
		return "not_exist"
	case AddrInUse:
		return "addr_in_use"
	case TimedOut:
		return "timed_out"
	default:
		return "other"
	}
}

// Classify inspects err and returns the best matching Class. It unwraps
// net.OpError and os.PathError the way the standard library nests socket
// and file errors, then falls back to the raw unix.Errno.
func Classify(err error) Class {
	if err == nil {
		return Other
	}
	if errors.Is(err, io.EOF) {
		return EOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return TimedOut
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		err = netErr.Err
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Other
	}
	switch errno {
	case unix.ECONNREFUSED:
		return Refused
	case unix.ECONNRESET, unix.EPIPE:
		return Reset
	case unix.EACCES, unix.EPERM:
		return Permission
	case unix.ENOENT:
		return NotExist
	case unix.EADDRINUSE:
		return AddrInUse
	case unix.ETIMEDOUT:
		return TimedOut
	default:
		return Other
	}
}

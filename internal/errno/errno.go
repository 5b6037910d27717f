// Package errno defines the closed set of error codes the shim reports to the
// guest C runtime.
package errno

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Errno is an OS-style error code in newlib numbering.
// It implements error so shim operations can return it directly.
type Errno int32

const (
	EPERM  Errno = 1  // operation not permitted
	ENOENT Errno = 2  // no such entity
	EIO    Errno = 5  // I/O error
	ENOMEM Errno = 12 // out of memory
	EINVAL Errno = 22 // invalid argument
	ENOTTY Errno = 25 // not a tty
	ESPIPE Errno = 29 // illegal seek
)

var names = map[Errno]string{
	EPERM:  "EPERM",
	ENOENT: "ENOENT",
	EIO:    "EIO",
	ENOMEM: "ENOMEM",
	EINVAL: "EINVAL",
	ENOTTY: "ENOTTY",
	ESPIPE: "ESPIPE",
}

var descriptions = map[Errno]string{
	EPERM:  "operation not permitted",
	ENOENT: "no such file or directory",
	EIO:    "input/output error",
	ENOMEM: "cannot allocate memory",
	EINVAL: "invalid argument",
	ENOTTY: "not a tty",
	ESPIPE: "illegal seek",
}

// Error implements error.
func (e Errno) Error() string {
	if d, ok := descriptions[e]; ok {
		return d
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// String returns the symbolic name, e.g. "ENOMEM".
func (e Errno) String() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("Errno(%d)", int32(e))
}

// Code returns the numeric value written into the guest's _errno field.
func (e Errno) Code() int32 {
	return int32(e)
}

// Valid reports whether e belongs to the closed set.
func (e Errno) Valid() bool {
	_, ok := names[e]
	return ok
}

// From extracts the Errno carried by err. Errors that do not wrap an Errno
// map to EIO so a failure never reaches the guest without a code.
func From(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EIO
}

package heap

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfBounds indicates a guest address range outside the backing memory.
	ErrOutOfBounds = errors.New("heap: address out of bounds")

	// ErrNoSpace indicates that no free range large enough was found.
	ErrNoSpace = errors.New("heap: no free range large enough")

	// ErrBadFree indicates a release of an address that is not a live block start.
	ErrBadFree = errors.New("heap: not a live block")

	// ErrSizeMismatch indicates a release whose size differs from the allocation.
	ErrSizeMismatch = errors.New("heap: size does not match allocation")

	// ErrBadPointer indicates a payload pointer whose header lies outside the arena.
	ErrBadPointer = errors.New("heap: pointer outside arena")

	// ErrCorruptHeader indicates a stored length that disagrees with the arena's record.
	ErrCorruptHeader = errors.New("heap: corrupt allocation header")

	// ErrHeaderSize indicates an unusable header width.
	ErrHeaderSize = errors.New("heap: header size must be a power of two no smaller than the pointer width")
)

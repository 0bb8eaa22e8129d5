package ringbuffer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize   = errors.New("invalid ring buffer size")
	ErrInvalidMargin = errors.New("invalid ring buffer margin")
	// ErrNoSpace means the buffer is full; the caller should retry.
	ErrNoSpace = errors.New("ring buffer full, try again")
)

// ErrDelClamped reports a Del count larger than the last Get. The count is
// clamped; the error is only logged.
type ErrDelClamped struct {
	Buffer    string
	Requested int
	Gotten    int
}

func (e *ErrDelClamped) Error() string {
	return fmt.Sprintf("invalid Del count on ring buffer %s: %d (limited to %d)", e.Buffer, e.Requested, e.Gotten)
}

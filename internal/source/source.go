// Package source provides the byte sources the decrypt path reads from: a
// segmented recording on disk and a decrypting reader layered on top of any
// other source.
package source

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSource is returned by every method of a source that failed
	// to open or hit an I/O error, until it is reopened.
	ErrInvalidSource = errors.New("source is not open")

	// ErrBusy means nothing could be delivered this time; try again.
	ErrBusy = errors.New("no data ready, try again")
)

// Source is a seekable byte stream addressed by absolute offset
type Source interface {
	// Read reads into p starting at offset. A read at an offset other than
	// the end of the previous read is a seek.
	Read(offset int64, p []byte) (int, error)
	Length() (int64, error)
	Offset() int64
	Close() error
}

// SyncLossError reports bytes discarded to regain packet alignment. It
// matches ErrBusy: the caller simply reads again.
type SyncLossError struct {
	Discarded int
	Found     bool // false when no sync byte was found and the whole chunk was dropped
}

func (e *SyncLossError) Error() string {
	if !e.Found {
		return fmt.Sprintf("sync lost: no sync byte in %d bytes", e.Discarded)
	}
	return fmt.Sprintf("sync lost: skipped %d bytes", e.Discarded)
}

func (e *SyncLossError) Is(target error) bool {
	return target == ErrBusy
}

package source

import (
	"context"
	"errors"
)

const streamBufferSize = 64 * 1024

// StreamReader reads a Source sequentially as an io.Reader, retrying while
// the source reports ErrBusy. Reads go through an internal buffer so that
// callers may pass buffers smaller than a packet.
type StreamReader struct {
	ctx    context.Context
	src    Source
	offset int64

	buf     []byte
	pending []byte
}

// NewStreamReader starts reading src at its current offset
func NewStreamReader(src Source) *StreamReader {
	return NewStreamReaderContext(context.Background(), src)
}

// NewStreamReaderContext is NewStreamReader with a context that stops the
// busy retry loop.
func NewStreamReaderContext(ctx context.Context, src Source) *StreamReader {
	return &StreamReader{
		ctx:    ctx,
		src:    src,
		offset: src.Offset(),
		buf:    make([]byte, streamBufferSize),
	}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.pending) == 0 {
		n, err := r.src.Read(r.offset, r.buf)
		r.offset += int64(n)
		r.pending = r.buf[:n]

		if n > 0 {
			break
		}
		if errors.Is(err, ErrBusy) {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			continue
		}
		return 0, err
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

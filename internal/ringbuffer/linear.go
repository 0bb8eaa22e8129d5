// Package ringbuffer implements a linear ring buffer for one producer and
// one consumer. The first margin bytes of the backing array are reserved so
// that a short run at the physical end can be moved in front of the wrapped
// data, which lets Get always hand out at least margin contiguous bytes.
package ringbuffer

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/zsiec/tsdecrypt/internal/logger"
)

// ReadyFunc decides how many bytes of the contiguous run data may be handed
// to the consumer. Returning 0 means not ready yet.
type ReadyFunc func(data []byte) int

// Linear is a ring buffer with a margin. Read and Put belong to the producer
// goroutine, Get and Del to the consumer goroutine. Clear must only be
// called while neither side is running.
type Linear struct {
	buf    []byte
	size   int
	margin int

	head atomic.Int64 // next write position, owned by the producer
	tail atomic.Int64 // next read position, owned by the consumer

	gotten int // length of the last Get, consumer only

	putTimeout atomic.Int64
	getTimeout atomic.Int64

	readyForPut signal
	readyForGet signal
	closed      atomic.Bool

	ready ReadyFunc
	name  string
	log   logger.Logger

	stats *statistics
}

// Option configures a Linear buffer
type Option func(*Linear)

// WithName labels log lines and metrics for this buffer
func WithName(name string) Option {
	return func(l *Linear) { l.name = name }
}

// WithLogger sets the logger used for diagnostics
func WithLogger(log logger.Logger) Option {
	return func(l *Linear) { l.log = log }
}

// WithStatistics enables fill percentage tracking and reporting
func WithStatistics(enabled bool) Option {
	return func(l *Linear) { l.stats.enabled = enabled }
}

// WithReadyFunc overrides the readiness rule used by Get
func WithReadyFunc(fn ReadyFunc) Option {
	return func(l *Linear) { l.ready = fn }
}

// New allocates a ring buffer of size bytes with the given margin.
func New(size, margin int, opts ...Option) (*Linear, error) {
	if size <= 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if margin < 0 || margin > size/2 {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidMargin, margin, size/2)
	}

	l := &Linear{
		buf:         make([]byte, size),
		size:        size,
		margin:      margin,
		readyForPut: newSignal(),
		readyForGet: newSignal(),
		name:        "ring",
		stats:       newStatistics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logger.OrNull(l.log).WithField("buffer", l.name)
	if l.ready == nil {
		l.ready = l.marginReady
	}

	l.Clear()
	return l, nil
}

func (l *Linear) marginReady(data []byte) int {
	if len(data) >= l.margin {
		return len(data)
	}
	return 0
}

// SetTimeouts sets how long a full Read/Put or an empty Get waits for the
// other side. Zero disables waiting.
func (l *Linear) SetTimeouts(put, get time.Duration) {
	l.putTimeout.Store(int64(put))
	l.getTimeout.Store(int64(get))
}

func (l *Linear) Size() int    { return l.size }
func (l *Linear) Margin() int  { return l.margin }
func (l *Linear) Name() string { return l.name }

// Available returns the number of bytes waiting to be consumed
func (l *Linear) Available() int {
	diff := int(l.head.Load() - l.tail.Load())
	if diff >= 0 {
		return diff
	}
	return l.size + diff - l.margin
}

// Free returns the number of bytes the producer may still add
func (l *Linear) Free() int {
	return l.size - l.Available() - 1 - l.margin
}

// Clear empties the buffer and reopens it for writing.
func (l *Linear) Clear() {
	l.tail.Store(int64(l.margin))
	l.head.Store(int64(l.margin))
	l.gotten = 0
	l.closed.Store(false)
	l.readyForGet.drain()
	l.stats.reset()
	l.enablePut()
}

// CloseWrite marks the producer finished. Get then hands out whatever is
// left, even below the margin, and no longer waits.
func (l *Linear) CloseWrite() {
	l.closed.Store(true)
	l.readyForGet.Signal()
}

// Closed reports whether CloseWrite has been called since the last Clear
func (l *Linear) Closed() bool {
	return l.closed.Load()
}

// Read performs a single read from r into the contiguous free region. max
// limits the read size; 0 means as much as fits. When the buffer is full it
// waits up to the put timeout and returns ErrNoSpace.
func (l *Linear) Read(r io.Reader, max int) (int, error) {
	tail := int(l.tail.Load())
	head := int(l.head.Load())

	diff := tail - head
	free := l.size - head
	if diff > 0 {
		free = diff - 1
	}
	if tail <= l.margin {
		free--
	}

	if free <= 0 {
		l.enableGet()
		l.waitForPut()
		return 0, ErrNoSpace
	}

	if max > 0 && max < free {
		free = max
	}

	n, err := r.Read(l.buf[head : head+free])
	if n > 0 {
		next := head + n
		if next >= l.size {
			next = l.margin
		}
		l.head.Store(int64(next))

		if l.stats.enabled {
			fill := next - tail
			if fill < 0 {
				fill += l.size
			} else if fill >= l.size {
				fill = l.size - 1
			}
			l.updatePercentage(fill)
		}
	}

	l.enableGet()
	return n, err
}

// Put copies as much of data as fits and returns the count copied. A copy
// that reaches the physical end continues at the margin. When nothing fits
// it waits up to the put timeout and returns 0.
func (l *Linear) Put(data []byte) int {
	count := len(data)
	if count == 0 {
		return 0
	}

	tail := int(l.tail.Load())
	head := int(l.head.Load())
	rest := l.size - head
	diff := tail - head

	var free int
	switch {
	case tail < l.margin:
		free = rest
	case diff > 0:
		free = diff
	default:
		free = l.size + diff - l.margin
	}
	free--

	if l.stats.enabled {
		fill := l.size - free - 1 + count
		if fill >= l.size {
			fill = l.size - 1
		}
		l.updatePercentage(fill)
	}

	if free <= 0 {
		count = 0
	} else {
		if free < count {
			count = free
		}
		if count >= rest {
			copy(l.buf[head:], data[:rest])
			copy(l.buf[l.margin:], data[rest:count])
			head = l.margin + count - rest
		} else {
			copy(l.buf[head:], data[:count])
			head += count
		}
		l.head.Store(int64(head))
	}

	l.enableGet()
	if count == 0 {
		l.waitForPut()
	}
	return count
}

// Get returns the next contiguous run of ready data. The slice aliases the
// buffer and stays valid until the matching Del. When no data is ready it
// waits up to the get timeout and returns nil.
func (l *Linear) Get() []byte {
	head := int(l.head.Load())
	tail := int(l.tail.Load())

	rest := l.size - tail
	if rest < l.margin && head < tail {
		// Move the short run at the end in front of the wrapped data.
		t := l.margin - rest
		copy(l.buf[t:], l.buf[tail:tail+rest])
		tail = t
		l.tail.Store(int64(tail))
		rest = head - tail
	}

	diff := head - tail
	cont := diff
	if diff < 0 {
		cont = l.size + diff - l.margin
	}
	if cont > rest {
		cont = rest
	}

	run := l.buf[tail : tail+cont]
	n := l.ready(run)
	if n == 0 && cont > 0 && l.closed.Load() {
		n = cont
	}
	if n > 0 {
		l.gotten = n
		return run[:n]
	}

	if !l.closed.Load() {
		l.waitForGet()
	}
	return nil
}

// Del releases n bytes of the run returned by the last Get. Counts above
// that run are clamped.
func (l *Linear) Del(n int) {
	if n > l.gotten {
		l.log.Error((&ErrDelClamped{Buffer: l.name, Requested: n, Gotten: l.gotten}).Error())
		n = l.gotten
	}
	if n <= 0 {
		return
	}

	tail := int(l.tail.Load()) + n
	l.gotten -= n
	if tail >= l.size {
		tail = l.margin
	}
	l.tail.Store(int64(tail))
	l.enablePut()
}

func (l *Linear) waitForPut() {
	l.readyForPut.Wait(time.Duration(l.putTimeout.Load()))
}

func (l *Linear) waitForGet() {
	l.readyForGet.Wait(time.Duration(l.getTimeout.Load()))
}

func (l *Linear) enablePut() {
	if l.putTimeout.Load() > 0 && l.Free() > l.size/3 {
		l.readyForPut.Signal()
	}
}

func (l *Linear) enableGet() {
	if l.getTimeout.Load() > 0 && l.Available() > l.size/3 {
		l.readyForGet.Signal()
	}
}

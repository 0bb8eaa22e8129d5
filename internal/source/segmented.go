package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
)

// DefaultMaxParts bounds the part scan: base plus .001 to .999
const DefaultMaxParts = 1000

// PartName returns the file name of part i of a recording
func PartName(base string, i int) string {
	if i == 0 {
		return base
	}
	return fmt.Sprintf("%s.%03d", base, i)
}

// Segmented reads a recording split into base, base.001, base.002 and so on
// as one stream. Parts are located by their cumulative offsets, so they
// need not share a size. A single-part source may still be growing.
type Segmented struct {
	mu sync.Mutex

	maxParts int
	log      logger.Logger

	base        string
	parts       []int64 // part lengths
	starts      []int64 // logical offset of each part
	splitSize   int64
	totalLength int64

	file    *os.File
	current int   // index of the open part
	inPart  int64 // position of file within the open part
	offset  int64 // logical position after the last read
	valid   bool
}

// SegmentedOption configures a Segmented source
type SegmentedOption func(*Segmented)

// WithMaxParts limits how many parts Open probes for
func WithMaxParts(n int) SegmentedOption {
	return func(s *Segmented) { s.maxParts = n }
}

func WithSegmentLogger(log logger.Logger) SegmentedOption {
	return func(s *Segmented) { s.log = log }
}

// NewSegmented creates a closed source
func NewSegmented(opts ...SegmentedOption) *Segmented {
	s := &Segmented{maxParts: DefaultMaxParts}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxParts <= 0 || s.maxParts > DefaultMaxParts {
		s.maxParts = DefaultMaxParts
	}
	s.log = logger.OrNull(s.log)
	return s
}

// OpenSegmented creates a source and opens path
func OpenSegmented(path string, opts ...SegmentedOption) (*Segmented, error) {
	s := NewSegmented(opts...)
	if err := s.Open(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Open closes any previous recording, scans the parts of path and opens
// the first one for reading.
func (s *Segmented) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	var parts []int64
	for i := 0; i < s.maxParts; i++ {
		size, err := probeSize(PartName(path, i))
		if err != nil {
			if i == 0 {
				return fmt.Errorf("open %s: %w", path, err)
			}
			break
		}
		parts = append(parts, size)
	}
	if len(parts) > 1 && parts[0] == 0 {
		return fmt.Errorf("open %s: first of %d parts is empty", path, len(parts))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := adviseSequential(f); err != nil {
		s.log.WithError(err).Debug("Sequential access hint failed")
	}

	s.base = path
	s.parts = parts
	s.splitSize = parts[0]
	s.starts = make([]int64, len(parts))
	s.totalLength = 0
	for i, size := range parts {
		s.starts[i] = s.totalLength
		s.totalLength += size
	}
	s.file = f
	s.current = 0
	s.inPart = 0
	s.offset = 0
	s.valid = true

	s.log.WithFields(map[string]interface{}{
		"path":         path,
		"parts":        len(parts),
		"split_size":   s.splitSize,
		"total_length": s.totalLength,
	}).Info("Opened recording")
	return nil
}

// OpenFile adopts an already open file as a single-part source. The source
// closes f when it is closed.
func (s *Segmented) OpenFile(f *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek %s: %w", f.Name(), err)
	}

	s.base = f.Name()
	s.parts = []int64{st.Size()}
	s.starts = []int64{0}
	s.splitSize = st.Size()
	s.totalLength = st.Size()
	s.file = f
	s.current = 0
	s.inPart = pos
	s.offset = pos
	s.valid = true
	return nil
}

// probeSize opens name just long enough to learn its size
func probeSize(name string) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return f.Seek(0, io.SeekEnd)
}

// Valid reports whether the source is open and usable
func (s *Segmented) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Parts returns the number of parts found by Open
func (s *Segmented) Parts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

// Read reads up to len(p) bytes starting at offset. Multi-part reads are
// clamped to the total length and continue across part boundaries.
func (s *Segmented) Read(offset int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return 0, ErrInvalidSource
	}
	if offset < 0 {
		return 0, fmt.Errorf("read %s: negative offset %d", s.base, offset)
	}

	if len(s.parts) < 2 {
		return s.readSingle(offset, p)
	}
	return s.readMulti(offset, p)
}

func (s *Segmented) readSingle(offset int64, p []byte) (int, error) {
	if offset != s.offset {
		if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
			return 0, s.fail(fmt.Errorf("seek %s to %d: %w", s.base, offset, err))
		}
		s.offset = offset
		s.inPart = offset
	}

	n, err := s.file.Read(p)
	s.offset += int64(n)
	s.inPart += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, s.fail(fmt.Errorf("read %s: %w", s.base, err))
	}
	return n, err
}

func (s *Segmented) readMulti(offset int64, p []byte) (int, error) {
	if offset >= s.totalLength {
		s.offset = offset
		return 0, io.EOF
	}
	if remaining := s.totalLength - offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	total := 0
	pos := offset
	for total < len(p) {
		if err := s.switchOffset(pos); err != nil {
			return total, err
		}

		want := len(p) - total
		if left := s.parts[s.current] - s.inPart; s.current < len(s.parts)-1 && int64(want) > left {
			want = int(left)
		}
		if want <= 0 {
			break
		}

		n, err := s.file.Read(p[total : total+want])
		total += n
		pos += int64(n)
		s.inPart += int64(n)
		s.offset = pos

		if err != nil {
			if errors.Is(err, io.EOF) {
				if n == 0 {
					break
				}
				continue
			}
			return total, s.fail(fmt.Errorf("read %s part %d: %w", s.base, s.current, err))
		}
		if n == 0 {
			break
		}
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// switchOffset positions the open handle at logical offset off, opening a
// different part when needed.
func (s *Segmented) switchOffset(off int64) error {
	// last part starting at or before off; empty parts are skipped
	part := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > off }) - 1
	if part < 0 {
		part = 0
	}
	inPart := off - s.starts[part]

	if part != s.current {
		name := PartName(s.base, part)
		f, err := os.Open(name)
		if err != nil {
			return s.fail(fmt.Errorf("open part %s: %w", name, err))
		}
		if err := adviseSequential(f); err != nil {
			s.log.WithError(err).Debug("Sequential access hint failed")
		}
		s.closeFile()
		s.file = f
		s.current = part
		s.inPart = 0
		metrics.IncrementSegmentSwitches()
		s.log.WithFields(map[string]interface{}{"part": part, "path": name}).Debug("Switched part")
	}

	if inPart != s.inPart {
		if _, err := s.file.Seek(inPart, io.SeekStart); err != nil {
			return s.fail(fmt.Errorf("seek part %d to %d: %w", part, inPart, err))
		}
		s.inPart = inPart
	}
	return nil
}

// Length returns the total length for recordings with several parts and
// the current file size otherwise.
func (s *Segmented) Length() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return 0, ErrInvalidSource
	}
	if len(s.parts) >= 2 {
		return s.totalLength, nil
	}

	st, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.base, err)
	}
	return st.Size(), nil
}

// Offset returns the position after the last read
func (s *Segmented) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Close drops the cached pages of the open part and closes it
func (s *Segmented) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return ErrInvalidSource
	}
	return s.closeLocked()
}

func (s *Segmented) closeLocked() error {
	err := s.closeFile()
	s.valid = false
	s.parts = nil
	s.starts = nil
	s.totalLength = 0
	s.splitSize = 0
	return err
}

func (s *Segmented) closeFile() error {
	if s.file == nil {
		return nil
	}
	if err := adviseDontNeed(s.file); err != nil {
		s.log.WithError(err).Debug("Drop cache hint failed")
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// fail invalidates the source after an I/O error
func (s *Segmented) fail(err error) error {
	s.log.WithError(err).Error("Source I/O failed")
	s.closeLocked()
	return err
}

package source

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/ringbuffer"
)

// DecryptSource layers decryption over another source. It reads ahead into
// a ring buffer and hands out decrypted packets starting at the first PES
// boundary. Sequential reads continue at Offset(); any other offset is a
// seek to that position of the underlying source. Bytes dropped while
// realigning are not delivered, so Offset() counts delivered bytes only.
// It is not safe for concurrent use.
type DecryptSource struct {
	file Source
	ring *ringbuffer.Linear
	dec  *Decrypter

	fillThreshold int
	readChunk     int

	offset     int64 // offset the next sequential Read is expected at
	fileOffset int64 // read position in file
	eof        bool

	log logger.Logger
}

// NewDecryptSource wraps file. The ring buffer is sized from cfg.
func NewDecryptSource(file Source, desc *descrambler.Descrambler, cfg *config.BufferConfig, log logger.Logger) (*DecryptSource, error) {
	log = logger.OrNull(log)

	ring, err := ringbuffer.New(cfg.Size, cfg.Margin,
		ringbuffer.WithName(fmt.Sprintf("decrypt-%04x", desc.CaNum())),
		ringbuffer.WithLogger(log),
		ringbuffer.WithStatistics(cfg.Statistics),
	)
	if err != nil {
		return nil, fmt.Errorf("decrypt source buffer: %w", err)
	}
	ring.SetTimeouts(cfg.PutTimeout, cfg.GetTimeout)

	s := &DecryptSource{
		file:          file,
		ring:          ring,
		dec:           NewDecrypter(ring, desc, cfg.MaxDelivery, log),
		fillThreshold: cfg.FillThreshold,
		readChunk:     cfg.ReadChunk,
		offset:        file.Offset(),
		fileOffset:    file.Offset(),
		log:           log,
	}
	return s, nil
}

// Read delivers decrypted packets into p. It returns ErrBusy when nothing
// is ready yet and io.EOF when the underlying source is exhausted. A Read
// at an offset other than the end of the previous one discards everything
// buffered and restarts the PES search there.
func (s *DecryptSource) Read(offset int64, p []byte) (int, error) {
	if offset != s.offset {
		s.seek(offset)
	}

	if err := s.fill(); err != nil {
		return 0, err
	}

	n, err := s.dec.Next(p)
	s.offset += int64(n)

	if errors.Is(err, io.EOF) {
		s.rewind()
	}
	return n, err
}

// fill reads ahead until the ring holds fillThreshold bytes or the source
// is exhausted.
func (s *DecryptSource) fill() error {
	for !s.eof && s.ring.Available() < s.fillThreshold {
		n, err := s.ring.Read(sourceReader{s}, s.readChunk)
		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
			s.ring.CloseWrite()
			return nil
		case errors.Is(err, ringbuffer.ErrNoSpace):
			return nil
		case err != nil:
			return err
		case n == 0:
			return nil
		}
	}
	return nil
}

// rewind gives back an undeliverable tail once the ring is drained at end
// of file, so that a growing file is picked up where the last whole packet
// ended.
func (s *DecryptSource) rewind() {
	s.fileOffset -= int64(s.ring.Available())
	s.ring.Clear()
	s.eof = false
}

func (s *DecryptSource) seek(offset int64) {
	s.log.WithFields(map[string]interface{}{
		"from": s.offset,
		"to":   offset,
	}).Debug("Seek, discarding buffered data")

	s.ring.Clear()
	s.dec.Reset()
	s.offset = offset
	s.fileOffset = offset
	s.eof = false
}

// Length returns the length of the underlying source
func (s *DecryptSource) Length() (int64, error) {
	return s.file.Length()
}

// Offset returns the offset the next sequential Read continues at
func (s *DecryptSource) Offset() int64 {
	return s.offset
}

// Stats returns the read-ahead buffer usage
func (s *DecryptSource) Stats() ringbuffer.Stats {
	return s.ring.Stats()
}

// Close logs buffer statistics and closes the underlying source
func (s *DecryptSource) Close() error {
	s.ring.LogStats()
	return s.file.Close()
}

// sourceReader adapts the underlying source to io.Reader at fileOffset
type sourceReader struct {
	s *DecryptSource
}

func (r sourceReader) Read(p []byte) (int, error) {
	n, err := r.s.file.Read(r.s.fileOffset, p)
	r.s.fileOffset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

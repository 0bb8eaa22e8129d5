// Package pipeline runs one descrambling session from an input to an
// output writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/ingest"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/ringbuffer"
	"github.com/zsiec/tsdecrypt/internal/source"
)

const (
	liveReadSize = 64 * 1024
	outputSize   = 64 * 1024
)

// Pipeline decrypts one input into out. Live inputs run a producer
// goroutine filling a ring buffer and a consumer goroutine decrypting from
// it; files are pulled through a DecryptSource.
type Pipeline struct {
	id  string
	out *trackingWriter
	log logger.Logger

	run   func(ctx context.Context) error
	close func() error
}

// NewLive creates a pipeline for a live input. The pipeline owns in, also
// when construction fails.
func NewLive(in ingest.Input, desc *descrambler.Descrambler, out io.Writer, cfg *config.BufferConfig, log logger.Logger) (*Pipeline, error) {
	p := newPipeline(out, log)
	p.log = p.log.WithField("input", in.Protocol())

	ring, err := ringbuffer.New(cfg.Size, cfg.Margin,
		ringbuffer.WithName(fmt.Sprintf("%s-%04x", in.Protocol(), desc.CaNum())),
		ringbuffer.WithLogger(p.log),
		ringbuffer.WithStatistics(cfg.Statistics),
	)
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("pipeline buffer: %w", err)
	}
	ring.SetTimeouts(cfg.PutTimeout, cfg.GetTimeout)

	live := &liveSession{
		in:   in,
		ring: ring,
		dec:  source.NewDecrypter(ring, desc, cfg.MaxDelivery, p.log),
		out:  p.out,
		log:  p.log,
	}
	p.run = live.run
	p.close = in.Close
	return p, nil
}

// NewFile creates a pipeline reading src from its current offset. The
// pipeline owns src, also when construction fails.
func NewFile(src source.Source, desc *descrambler.Descrambler, out io.Writer, cfg *config.BufferConfig, log logger.Logger) (*Pipeline, error) {
	p := newPipeline(out, log)

	ds, err := source.NewDecryptSource(src, desc, cfg, p.log)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	p.run = func(ctx context.Context) error {
		_, err := io.Copy(p.out, source.NewStreamReaderContext(ctx, ds))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	p.close = ds.Close
	return p, nil
}

func newPipeline(out io.Writer, log logger.Logger) *Pipeline {
	id := uuid.New().String()
	return &Pipeline{
		id:  id,
		out: &trackingWriter{w: out},
		log: logger.OrNull(log).WithField("session_id", id),
	}
}

// ID identifies the session in logs
func (p *Pipeline) ID() string { return p.id }

// Delivered returns the number of decrypted bytes written so far
func (p *Pipeline) Delivered() int64 { return p.out.written.Load() }

// LastDelivery returns the time of the last write, zero before the first
func (p *Pipeline) LastDelivery() time.Time {
	ns := p.out.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run processes the input until it ends or ctx is cancelled, then releases
// it. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("Session started")
	start := time.Now()

	err := p.run(ctx)
	if cerr := p.close(); cerr != nil && err == nil {
		err = cerr
	}

	entry := p.log.WithFields(map[string]interface{}{
		"delivered": p.Delivered(),
		"duration":  time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Error("Session failed")
		return err
	}
	entry.Info("Session finished")
	return nil
}

// liveSession couples a producer reading the input with a consumer
// decrypting out of the ring buffer.
type liveSession struct {
	in   ingest.Input
	ring *ringbuffer.Linear
	dec  *source.Decrypter
	out  io.Writer
	log  logger.Logger
}

func (s *liveSession) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the input ends the producer, which closes the ring and lets
	// the consumer drain.
	stop := context.AfterFunc(gctx, func() { _ = s.in.Close() })
	defer stop()

	g.Go(s.produce)
	g.Go(s.consume)

	err := g.Wait()
	s.ring.LogStats()
	return err
}

func (s *liveSession) produce() error {
	defer s.ring.CloseWrite()

	buf := make([]byte, liveReadSize)
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			s.put(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s input: %w", s.in.Protocol(), err)
		}
	}
}

// put copies data into the ring. What does not fit within the put timeout
// is dropped; the consumer resynchronizes on the next sync byte.
func (s *liveSession) put(data []byte) {
	for len(data) > 0 {
		n := s.ring.Put(data)
		if n == 0 {
			s.ring.ReportOverflow(len(data))
			return
		}
		data = data[n:]
	}
}

func (s *liveSession) consume() error {
	buf := make([]byte, outputSize)
	for {
		n, err := s.dec.Next(buf)
		if n > 0 {
			if _, werr := s.out.Write(buf[:n]); werr != nil {
				// unblock the producer
				_ = s.in.Close()
				return fmt.Errorf("write output: %w", werr)
			}
		}
		switch {
		case err == nil, errors.Is(err, source.ErrBusy):
			continue
		case errors.Is(err, io.EOF):
			return nil
		default:
			_ = s.in.Close()
			return err
		}
	}
}

// trackingWriter counts output and remembers when it was last written
type trackingWriter struct {
	w       io.Writer
	written atomic.Int64
	last    atomic.Int64
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.written.Add(int64(n))
		t.last.Store(time.Now().UnixNano())
	}
	return n, err
}

package source

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/pes"
	"github.com/zsiec/tsdecrypt/internal/ringbuffer"
)

// DefaultMaxDelivery caps the bytes taken from the ring per step
const DefaultMaxDelivery = 64 * 1024

// Decrypter is the consumer side of a ring buffer: it realigns on the sync
// byte, descrambles in place and holds back everything before the first PES
// boundary. The producer side is whoever fills the ring.
type Decrypter struct {
	ring        *ringbuffer.Linear
	desc        *descrambler.Descrambler
	pes         *pes.Detector
	maxDelivery int
	name        string

	log     logger.Logger
	sampled *logger.SampledLogger
}

// NewDecrypter creates a consumer for ring. maxDelivery <= 0 selects
// DefaultMaxDelivery.
func NewDecrypter(ring *ringbuffer.Linear, desc *descrambler.Descrambler, maxDelivery int, log logger.Logger) *Decrypter {
	if maxDelivery < mpegts.PacketSize {
		maxDelivery = DefaultMaxDelivery
	}
	log = logger.OrNull(log).WithField("source", ring.Name())

	return &Decrypter{
		ring:        ring,
		desc:        desc,
		pes:         pes.New(log),
		maxDelivery: maxDelivery,
		name:        ring.Name(),
		log:         log,
		sampled:     logger.NewStreamLogger(log),
	}
}

// Reset forgets the PES lock, e.g. after a seek
func (d *Decrypter) Reset() {
	d.pes.Reset()
}

// Locked reports whether a PES boundary has been found
func (d *Decrypter) Locked() bool {
	return d.pes.State() == pes.Locked
}

// Next delivers the next run of decrypted packets into p. It returns
// ErrBusy (or a *SyncLossError, which matches ErrBusy) when nothing could be
// delivered this time and io.EOF once the ring is closed and drained.
func (d *Decrypter) Next(p []byte) (int, error) {
	if len(p) < mpegts.PacketSize {
		return 0, io.ErrShortBuffer
	}

	run := d.ring.Get()
	if run == nil {
		if d.ring.Closed() && d.ring.Available() == 0 {
			return 0, io.EOF
		}
		return 0, ErrBusy
	}

	chunk := len(run)
	if chunk > d.maxDelivery {
		chunk = d.maxDelivery
	}

	if run[0] != mpegts.SyncByte {
		return 0, d.resync(run[:chunk])
	}
	if chunk < mpegts.PacketSize {
		if d.ring.Closed() {
			// trailing partial packet, left in the ring for the caller
			return 0, io.EOF
		}
		return 0, ErrBusy
	}

	if chunk > len(p) {
		chunk = len(p)
	}
	chunk -= chunk % mpegts.PacketSize

	packets, err := d.desc.Decrypt(run[:chunk])
	if err != nil {
		return 0, err
	}
	used := packets * mpegts.PacketSize

	offset, n, ok := d.pes.Scan(run[:used])
	if !ok {
		d.ring.Del(used)
		return 0, ErrBusy
	}

	copy(p, run[offset:offset+n])
	d.ring.Del(used)
	metrics.AddSourceBytes(d.name, n)
	return n, nil
}

// resync drops the bytes in front of the next plausible packet start, or
// the whole chunk when there is none.
func (d *Decrypter) resync(chunk []byte) error {
	skip := mpegts.FindSync(chunk)
	found := skip >= 0
	if !found {
		skip = len(chunk)
	}

	d.ring.Del(skip)
	metrics.RecordSyncLoss(d.name, skip)
	d.sampled.Sample(logrus.WarnLevel, logger.CategorySyncLoss, "Lost packet sync", map[string]interface{}{
		"discarded": skip,
		"found":     found,
	})
	return &SyncLossError{Discarded: skip, Found: found}
}

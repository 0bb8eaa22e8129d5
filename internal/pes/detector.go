// Package pes finds the first PES packet start in a decrypted transport
// stream so that delivery begins on an elementary stream boundary.
package pes

import (
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
)

// State of the detector
type State int

const (
	Searching State = iota
	Locked
)

func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "searching"
}

// Stream id ranges accepted as a boundary
const (
	audioFirst byte = 0xC0
	audioLast  byte = 0xDF
	videoFirst byte = 0xE0
	videoLast  byte = 0xEF
)

// Detector discards packets until a PES start is seen and then passes
// everything. It is not safe for concurrent use.
type Detector struct {
	state State
	log   logger.Logger
}

// New creates a detector in the Searching state
func New(log logger.Logger) *Detector {
	return &Detector{log: logger.OrNull(log)}
}

func (d *Detector) State() State { return d.state }

// Reset returns to Searching, e.g. after a seek
func (d *Detector) Reset() {
	d.state = Searching
}

// Scan inspects the whole packets in buf. Once locked it returns the offset
// of the first deliverable byte and the number of deliverable bytes. While
// still searching it returns ok == false and the caller drops buf.
func (d *Detector) Scan(buf []byte) (offset, n int, ok bool) {
	packets := len(buf) / mpegts.PacketSize
	if d.state == Locked {
		return 0, packets * mpegts.PacketSize, true
	}

	for i := 0; i < packets; i++ {
		if !IsStart(buf[i*mpegts.PacketSize : (i+1)*mpegts.PacketSize]) {
			continue
		}
		d.state = Locked
		metrics.IncrementPESLocks()
		d.log.WithFields(map[string]interface{}{
			"packet":    i,
			"discarded": i * mpegts.PacketSize,
		}).Info("PES boundary found")
		return i * mpegts.PacketSize, (packets - i) * mpegts.PacketSize, true
	}

	return 0, 0, false
}

// IsStart reports whether the payload of pkt opens an audio or video PES
// packet.
func IsStart(pkt []byte) bool {
	if len(pkt) < mpegts.PacketSize || pkt[0] != mpegts.SyncByte {
		return false
	}
	payload, err := mpegts.Payload(pkt)
	if err != nil || len(payload) <= 4 {
		return false
	}
	if payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return false
	}
	id := payload[3]
	return (id >= videoFirst && id <= videoLast) || (id >= audioFirst && id <= audioLast)
}

package descrambler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
)

// Decrypt descrambles the packets at the start of buf in place and returns
// how many 188-byte packets it consumed, clear ones included.
//
// The scan stops at the first byte that is not a sync byte, at the first
// encrypted packet that belongs to a different key slot than the previous
// ones, at a parity change after the first encrypted packet, or when the
// engine's batch is full. Callers re-invoke Decrypt on the remainder.
//
// The scrambling bits of every batched packet are cleared in buf before the
// engine runs. Packets whose payload cannot be located are left marked as
// scrambled. The only error is a failure to allocate key schedules.
func (d *Descrambler) Decrypt(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		batches   [2][][]byte
		batched   int
		encrypted int
		clearPkts int
		dropped   int
		malformed int
		packets   int
		slotIdx   = -1
	)

	for off := 0; off+mpegts.PacketSize <= len(buf) && batched < d.batchSize; off += mpegts.PacketSize {
		pkt := buf[off : off+mpegts.PacketSize]
		if pkt[0] != mpegts.SyncByte {
			break
		}

		sc := mpegts.ScramblingControl(pkt)
		afc := mpegts.AdaptationFieldControl(pkt)
		if (sc != mpegts.ScramblingEven && sc != mpegts.ScramblingOdd) || afc == mpegts.AdaptationFieldOnly {
			mpegts.ClearScrambling(pkt)
			clearPkts++
			packets++
			continue
		}

		idx := int(d.pidMap[mpegts.PID(pkt)])
		if slotIdx >= 0 && idx != slotIdx {
			break
		}
		slot := &d.slots[idx]
		if slotIdx < 0 {
			if err := d.allocateKeys(idx); err != nil {
				return packets, err
			}
			slotIdx = idx
		}

		parity := parityOf(sc)
		if sc != slot.active {
			if encrypted > 0 {
				break
			}
			d.keyChange(idx, parity)
		}
		encrypted++
		packets++

		if d.dropOnKeyTimeout && !slot.good(parity) {
			dropped++
			continue
		}

		offset, err := mpegts.PayloadOffset(pkt)
		if err == nil && mpegts.PacketSize-offset <= minPayload {
			err = fmt.Errorf("%w: %d payload bytes", mpegts.ErrNoPayload, mpegts.PacketSize-offset)
		}
		if err != nil {
			malformed++
			d.sampled.Sample(logrus.WarnLevel, logger.CategoryMalformed, "Scrambled packet left undecrypted", map[string]interface{}{
				"pid":   mpegts.PID(pkt),
				"error": err.Error(),
			})
			continue
		}

		mpegts.ClearScrambling(pkt)
		batches[parity] = append(batches[parity], pkt[offset:])
		batched++
	}

	if slotIdx >= 0 {
		slot := &d.slots[slotIdx]
		for _, parity := range []Parity{ParityEven, ParityOdd} {
			if len(batches[parity]) == 0 {
				continue
			}
			slot.key(parity).Decrypt(batches[parity])
			metrics.IncrementBatches(d.label)
			metrics.AddDescrambledPackets(d.label, parity.String(), len(batches[parity]))
		}
	}
	metrics.AddDescrambledPackets(d.label, "clear", clearPkts)
	metrics.AddDroppedPackets(d.label, "no_key", dropped)
	metrics.AddDroppedPackets(d.label, "malformed", malformed)

	return packets, nil
}

// keyChange records that the stream of slot idx switched to parity p. The
// key of the other parity is no longer trusted. If the new key has not
// arrived yet and a key source is active, Decrypt waits for it up to
// keyWait and then proceeds with whatever schedule is installed.
// Must be called with mu held.
func (d *Descrambler) keyChange(idx int, p Parity) {
	slot := &d.slots[idx]
	slot.active = p.scrambling()
	slot.flags &^= goodFlag(1 - p)
	d.broadcast()
	metrics.IncrementKeyChanges(d.label, p.String())

	log := d.log.WithFields(map[string]interface{}{"idx": idx, "parity": p.String()})
	log.Debug("Key change")

	if slot.good(p) {
		return
	}
	if slot.flags&flagActivity == 0 {
		log.Debug("No key activity, not waiting for key")
		return
	}
	slot.flags &^= flagActivity

	if d.awaitKeyReady(idx, p, d.keyWait) == TimedOut {
		metrics.IncrementKeyWaitTimeout(d.label, "key")
		d.sampled.Sample(logrus.WarnLevel, logger.CategoryKeyWait, "Key wait timed out", map[string]interface{}{
			"idx":     idx,
			"parity":  p.String(),
			"timeout": d.keyWait.String(),
		})
		return
	}
	log.Debug("Key arrived")
}

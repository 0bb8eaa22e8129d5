// Package testdata builds synthetic transport streams for tests.
package testdata

import (
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

// Packet builds a payload-only TS packet. The payload starts with prefix and
// is padded with a counter pattern seeded by the PID and continuity counter.
func Packet(pid uint16, cc uint8, prefix []byte) []byte {
	pkt := make([]byte, mpegts.PacketSize)
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = mpegts.AdaptationPayloadOnly<<4 | cc&0x0F

	n := copy(pkt[4:], prefix)
	for i := 4 + n; i < mpegts.PacketSize; i++ {
		pkt[i] = byte(i) ^ byte(pid) ^ cc
	}
	return pkt
}

// PacketWithAdaptation builds a packet carrying an adaptation field of
// afLen bytes (the length byte excluded) followed by the payload.
func PacketWithAdaptation(pid uint16, cc uint8, afLen int, prefix []byte) []byte {
	pkt := Packet(pid, cc, nil)
	pkt[3] = mpegts.AdaptationAndPayload<<4 | cc&0x0F
	pkt[4] = byte(afLen)
	start := 5 + afLen
	if start < mpegts.PacketSize {
		for i := 5; i < start; i++ {
			pkt[i] = 0xFF
		}
		copy(pkt[start:], prefix)
	}
	return pkt
}

// AdaptationOnly builds a packet with an adaptation field and no payload
func AdaptationOnly(pid uint16, cc uint8) []byte {
	pkt := Packet(pid, cc, nil)
	pkt[3] = mpegts.AdaptationFieldOnly<<4 | cc&0x0F
	pkt[4] = mpegts.PacketSize - 5
	return pkt
}

// PESStart builds a payload unit start packet opening a PES packet for
// streamID (0xE0 video, 0xC0 audio).
func PESStart(pid uint16, cc uint8, streamID byte) []byte {
	pkt := Packet(pid, cc, []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, 0x00, 0x00})
	pkt[1] |= 0x40
	return pkt
}

// Stream concatenates count packets on pid. Packet i is a PES start when
// i is listed in starts.
func Stream(pid uint16, count int, starts ...int) []byte {
	isStart := make(map[int]bool, len(starts))
	for _, s := range starts {
		isStart[s] = true
	}

	out := make([]byte, 0, count*mpegts.PacketSize)
	for i := 0; i < count; i++ {
		cc := uint8(i)
		if isStart[i] {
			out = append(out, PESStart(pid, cc, 0xE0)...)
		} else {
			out = append(out, Packet(pid, cc, nil)...)
		}
	}
	return out
}

// Scramble encrypts the payload of every packet in data with key and marks
// it with the scrambling bits of parity (mpegts.ScramblingEven or
// mpegts.ScramblingOdd). Packets without payload are left untouched.
func Scramble(data []byte, key scrambler.Key, parity uint8) {
	for off := 0; off+mpegts.PacketSize <= len(data); off += mpegts.PacketSize {
		pkt := data[off : off+mpegts.PacketSize]
		payload, err := mpegts.Payload(pkt)
		if err != nil {
			continue
		}
		key.Encrypt([][]byte{payload})
		pkt[3] = pkt[3]&^0xC0 | parity
	}
}

// DESKey returns a DES key schedule loaded with cw
func DESKey(cw scrambler.ControlWord) scrambler.Key {
	key, err := scrambler.NewDES(1).NewKey()
	if err != nil {
		panic(err)
	}
	if err := key.Set(cw); err != nil {
		panic(err)
	}
	return key
}

// RTPPackets wraps data into MP2T RTP packets of up to seven TS packets each
func RTPPackets(data []byte, ssrc uint32) []*rtp.Packet {
	const perPacket = 7 * mpegts.PacketSize

	var packets []*rtp.Packet
	seq := uint16(1)
	for off := 0; off < len(data); off += perPacket {
		end := off + perPacket
		if end > len(data) {
			end = len(data)
		}
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    33,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 3000,
				SSRC:           ssrc,
			},
			Payload: data[off:end],
		})
		seq++
	}
	return packets
}

// SendRTPPackets writes packets to addr with a fixed gap between them
func SendRTPPackets(conn *net.UDPConn, addr *net.UDPAddr, packets []*rtp.Packet, gap time.Duration) error {
	for _, packet := range packets {
		data, err := packet.Marshal()
		if err != nil {
			return err
		}
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			return err
		}
		if gap > 0 {
			time.Sleep(gap)
		}
	}
	return nil
}

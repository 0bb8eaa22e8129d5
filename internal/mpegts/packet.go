package mpegts

import (
	"errors"
	"fmt"
)

const (
	// MPEG-TS constants
	PacketSize = 188
	SyncByte   = 0x47
	MaxPID     = 8191
	PIDCount   = MaxPID + 1

	// headerSize is the fixed 4-byte TS header
	headerSize = 4

	// PIDs
	PIDProgramAssociation = 0x0000
	PIDConditionalAccess  = 0x0001
	PIDNull               = 0x1FFF
)

// Transport scrambling control values (byte 3, bits 7-6)
const (
	ScramblingClear    uint8 = 0x00
	ScramblingReserved uint8 = 0x40
	ScramblingEven     uint8 = 0x80
	ScramblingOdd      uint8 = 0xC0

	scramblingMask uint8 = 0xC0
)

// Adaptation field control values (byte 3, bits 5-4)
const (
	AdaptationReserved    uint8 = 0
	AdaptationPayloadOnly uint8 = 1
	AdaptationFieldOnly   uint8 = 2
	AdaptationAndPayload  uint8 = 3
)

var (
	ErrShortPacket   = errors.New("packet shorter than 188 bytes")
	ErrMissingSync   = errors.New("missing sync byte")
	ErrNoPayload     = errors.New("packet carries no payload")
	ErrBadAdaptation = errors.New("malformed adaptation field")
)

// Header is the decoded fixed part of a TS packet header
type Header struct {
	TransportError         bool
	PayloadStart           bool
	PID                    uint16
	ScramblingControl      uint8 // raw bits 7-6 of byte 3, i.e. 0x00, 0x80 or 0xC0
	AdaptationFieldControl uint8
	ContinuityCounter      uint8
}

// Scrambled reports whether the header marks the payload as scrambled
// with either the even or the odd key.
func (h Header) Scrambled() bool {
	return h.ScramblingControl == ScramblingEven || h.ScramblingControl == ScramblingOdd
}

// HasPayload reports whether the adaptation field control announces a payload
func (h Header) HasPayload() bool {
	return h.AdaptationFieldControl&0x01 != 0
}

// ParseHeader decodes the 4-byte header of the packet starting at data[0]
func ParseHeader(data []byte) (Header, error) {
	if len(data) < PacketSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if data[0] != SyncByte {
		return Header{}, fmt.Errorf("%w: found 0x%02X", ErrMissingSync, data[0])
	}

	return Header{
		TransportError:         data[1]&0x80 != 0,
		PayloadStart:           data[1]&0x40 != 0,
		PID:                    PID(data),
		ScramblingControl:      data[3] & scramblingMask,
		AdaptationFieldControl: (data[3] >> 4) & 0x03,
		ContinuityCounter:      data[3] & 0x0F,
	}, nil
}

// PID extracts the 13-bit packet identifier
func PID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// ScramblingControl returns the raw scrambling bits (0x00, 0x40, 0x80 or 0xC0)
func ScramblingControl(pkt []byte) uint8 {
	return pkt[3] & scramblingMask
}

// ClearScrambling marks the packet as clear by zeroing the scrambling bits in place
func ClearScrambling(pkt []byte) {
	pkt[3] &^= scramblingMask
}

// AdaptationFieldControl returns bits 5-4 of byte 3
func AdaptationFieldControl(pkt []byte) uint8 {
	return (pkt[3] >> 4) & 0x03
}

// PayloadOffset returns the offset of the payload inside a 188-byte packet,
// skipping the header and any adaptation field. The adaptation field length
// (byte 4) is validated against the packet bound.
func PayloadOffset(pkt []byte) (int, error) {
	switch AdaptationFieldControl(pkt) {
	case AdaptationPayloadOnly:
		return headerSize, nil
	case AdaptationAndPayload:
		afLen := int(pkt[headerSize])
		offset := headerSize + 1 + afLen
		if offset >= PacketSize {
			return 0, fmt.Errorf("%w: length %d", ErrBadAdaptation, afLen)
		}
		return offset, nil
	default:
		return 0, ErrNoPayload
	}
}

// Payload returns the payload slice of a packet, aliasing pkt
func Payload(pkt []byte) ([]byte, error) {
	offset, err := PayloadOffset(pkt)
	if err != nil {
		return nil, err
	}
	return pkt[offset:PacketSize], nil
}

// FindSync looks for the next plausible packet boundary in data, starting at
// index 1. A candidate sync byte is accepted when it is either followed by
// exactly one full packet up to the end of data, or the byte one packet
// further on is also a sync byte. Returns -1 if no boundary is found.
func FindSync(data []byte) int {
	for i := 1; i < len(data); i++ {
		if data[i] != SyncByte {
			continue
		}
		next := i + PacketSize
		if next == len(data) || (next < len(data) && data[next] == SyncByte) {
			return i
		}
	}
	return -1
}

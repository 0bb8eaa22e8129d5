package mpegts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPacket(pid uint16, flags byte) []byte {
	data := make([]byte, PacketSize)
	data[0] = SyncByte
	data[1] = byte(pid>>8) & 0x1F
	data[2] = byte(pid)
	data[3] = flags
	return data
}

func TestParseHeader(t *testing.T) {
	data := newPacket(0x0123, 0xD7) // odd, payload only, cc 7
	data[1] |= 0x40

	h, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0123), h.PID)
	assert.True(t, h.PayloadStart)
	assert.False(t, h.TransportError)
	assert.Equal(t, ScramblingOdd, h.ScramblingControl)
	assert.Equal(t, AdaptationPayloadOnly, h.AdaptationFieldControl)
	assert.Equal(t, uint8(7), h.ContinuityCounter)
	assert.True(t, h.Scrambled())
	assert.True(t, h.HasPayload())
}

func TestParseHeader_Errors(t *testing.T) {
	_, err := ParseHeader(make([]byte, PacketSize-1))
	assert.ErrorIs(t, err, ErrShortPacket)

	data := newPacket(0x10, 0x10)
	data[0] = 0x46
	_, err = ParseHeader(data)
	assert.ErrorIs(t, err, ErrMissingSync)
}

func TestScrambling(t *testing.T) {
	tests := []struct {
		name  string
		flags byte
		want  uint8
	}{
		{"clear", 0x10, ScramblingClear},
		{"reserved", 0x50, ScramblingReserved},
		{"even", 0x90, ScramblingEven},
		{"odd", 0xD0, ScramblingOdd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := newPacket(0x100, tt.flags|0x0A)
			assert.Equal(t, tt.want, ScramblingControl(data))

			ClearScrambling(data)
			assert.Equal(t, ScramblingClear, ScramblingControl(data))
			assert.Equal(t, byte(0x1A), data[3], "other header bits are kept")
		})
	}
}

func TestPayloadOffset(t *testing.T) {
	tests := []struct {
		name    string
		flags   byte
		afLen   byte
		want    int
		wantErr error
	}{
		{"payload only", 0x10, 0, 4, nil},
		{"adaptation and payload", 0x30, 7, 12, nil},
		{"empty adaptation field", 0x30, 0, 5, nil},
		{"adaptation field fills packet", 0x30, 183, 0, ErrBadAdaptation},
		{"adaptation field overruns packet", 0x30, 200, 0, ErrBadAdaptation},
		{"adaptation only", 0x20, 183, 0, ErrNoPayload},
		{"reserved", 0x00, 0, 0, ErrNoPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := newPacket(0x100, tt.flags)
			data[4] = tt.afLen

			got, err := PayloadOffset(data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			payload, err := Payload(data)
			require.NoError(t, err)
			assert.Len(t, payload, PacketSize-tt.want)
		})
	}
}

func TestFindSync(t *testing.T) {
	packets := bytes.Repeat(newPacket(0x100, 0x10), 3)

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{
			name: "garbage then aligned packets",
			data: append([]byte{0x00, 0x47, 0x12, 0x34}, packets...),
			want: 4,
		},
		{
			name: "exactly one packet after the candidate",
			data: append([]byte{0xFF, 0xFF}, newPacket(0x100, 0x10)...),
			want: 2,
		},
		{
			name: "no sync byte",
			data: bytes.Repeat([]byte{0xAB}, 500),
			want: -1,
		},
		{
			name: "stray sync byte without a follower",
			data: append([]byte{0x00, 0x47}, bytes.Repeat([]byte{0xAB}, 300)...),
			want: -1,
		},
		{
			name: "position zero is never reported",
			data: packets,
			want: PacketSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindSync(tt.data))
		})
	}
}

package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zsiec/tsdecrypt/internal/config"
)

func testIngestConfig() *config.IngestConfig {
	return &config.IngestConfig{
		UDP: config.UDPConfig{ReadBufferSize: 256 * 1024, MaxDatagram: 1500},
		SRT: config.SRTConfig{PayloadSize: 1316},
	}
}

func TestIsLive(t *testing.T) {
	tests := []struct {
		location string
		want     bool
	}{
		{"udp://:5000", true},
		{"RTP://239.1.1.1:5004", true},
		{"srt://example.com:9000?streamid=feed", true},
		{"/var/recordings/show.ts", false},
		{"show.ts.001", false},
		{"http://example.com/stream.ts", false},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLive(tt.location))
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open("http://example.com:80", testIngestConfig(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Open("udp://", testIngestConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Open("udp://not-a-port:xyz", testIngestConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Open("srt://127.0.0.1:0?mode=rendezvous", testIngestConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Open("srt://127.0.0.1:0?mode=listener&latency=-5", testIngestConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

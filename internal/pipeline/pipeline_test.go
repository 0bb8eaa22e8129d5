package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/ingest"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
	"github.com/zsiec/tsdecrypt/internal/source"
	"github.com/zsiec/tsdecrypt/internal/testdata"
)

var testCW = scrambler.ControlWord{0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC}

func testBufferConfig() *config.BufferConfig {
	return &config.BufferConfig{
		Size:          256 * 1024,
		Margin:        mpegts.PacketSize,
		PutTimeout:    20 * time.Millisecond,
		GetTimeout:    20 * time.Millisecond,
		FillThreshold: 32 * 1024,
		ReadChunk:     8 * 1024,
		MaxDelivery:   16 * 1024,
	}
}

func keyedDescrambler(t *testing.T) *descrambler.Descrambler {
	t.Helper()
	d, err := descrambler.New(0, 1, scrambler.NewDES(scrambler.DefaultBatchSize))
	require.NoError(t, err)
	require.NoError(t, d.SetKey(0, descrambler.ParityOdd, testCW, true))
	return d
}

// scrambledStream returns a clear stream with PES starts and its odd-key
// scrambled copy
func scrambledStream(count int, starts ...int) (clear, enc []byte) {
	clear = testdata.Stream(0x100, count, starts...)
	enc = append([]byte(nil), clear...)
	testdata.Scramble(enc, testdata.DESKey(testCW), mpegts.ScramblingOdd)
	return clear, enc
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestPipeline_File(t *testing.T) {
	clear, enc := scrambledStream(400, 3, 200)
	path := filepath.Join(t.TempDir(), "rec.ts")
	require.NoError(t, os.WriteFile(path, enc, 0o644))

	src, err := source.OpenSegmented(path)
	require.NoError(t, err)

	var out bytes.Buffer
	p, err := NewFile(src, keyedDescrambler(t), &out, testBufferConfig(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.True(t, p.LastDelivery().IsZero())

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, clear[3*mpegts.PacketSize:], out.Bytes())
	assert.Equal(t, int64(out.Len()), p.Delivered())
	assert.False(t, p.LastDelivery().IsZero())
}

func TestPipeline_Live(t *testing.T) {
	cfg := &config.IngestConfig{UDP: config.UDPConfig{MaxDatagram: 1500}}
	in, err := ingest.Open("udp://127.0.0.1:0", cfg, nil)
	require.NoError(t, err)

	out := &syncBuffer{}
	p, err := NewLive(in, keyedDescrambler(t), out, testBufferConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	clear, enc := scrambledStream(70, 7)
	conn, err := net.DialUDP("udp", nil, in.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	for off := 0; off < len(enc); off += 7 * mpegts.PacketSize {
		_, err := conn.Write(enc[off : off+7*mpegts.PacketSize])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	want := clear[7*mpegts.PacketSize:]
	// the ring holds back less than a margin until the producer closes
	require.Eventually(t, func() bool {
		return len(out.Bytes()) >= len(want)-mpegts.PacketSize
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, want, out.Bytes(), "the tail is drained on shutdown")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPipeline_LiveOutputError(t *testing.T) {
	cfg := &config.IngestConfig{UDP: config.UDPConfig{MaxDatagram: 1500}}
	in, err := ingest.Open("udp://127.0.0.1:0", cfg, nil)
	require.NoError(t, err)

	p, err := NewLive(in, keyedDescrambler(t), failingWriter{}, testBufferConfig(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, enc := scrambledStream(14, 0)
	conn, err := net.DialUDP("udp", nil, in.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	for off := 0; off < len(enc); off += 7 * mpegts.PacketSize {
		_, err := conn.Write(enc[off : off+7*mpegts.PacketSize])
		require.NoError(t, err)
	}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not fail")
	}
}

func TestPipeline_BadBufferConfigClosesInput(t *testing.T) {
	cfg := &config.IngestConfig{UDP: config.UDPConfig{MaxDatagram: 1500}}
	in, err := ingest.Open("udp://127.0.0.1:0", cfg, nil)
	require.NoError(t, err)

	bad := testBufferConfig()
	bad.Size = 10
	_, err = NewLive(in, keyedDescrambler(t), &bytes.Buffer{}, bad, nil)
	require.Error(t, err)

	_, err = in.Read(make([]byte, 1500))
	assert.Error(t, err, "input was closed")
}

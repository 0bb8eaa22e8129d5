package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
	"github.com/zsiec/tsdecrypt/internal/testdata"
)

func TestCensus(t *testing.T) {
	key := testdata.DESKey(scrambler.ControlWord{1, 2, 3, 4, 5, 6, 7, 8})

	video := testdata.Stream(0x100, 10, 0, 6)
	testdata.Scramble(video[:4*mpegts.PacketSize], key, mpegts.ScramblingEven)
	testdata.Scramble(video[4*mpegts.PacketSize:], key, mpegts.ScramblingOdd)
	audio := testdata.Stream(0x101, 3, 0)

	var stream []byte
	stream = append(stream, audio...)
	stream = append(stream, video...)

	pids, err := census(context.Background(), bytes.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, pids, 2)

	assert.Equal(t, uint16(0x100), pids[0].PID)
	assert.Equal(t, int64(10), pids[0].Packets)
	assert.Equal(t, int64(4), pids[0].Even)
	assert.Equal(t, int64(6), pids[0].Odd)
	assert.Equal(t, int64(2), pids[0].PayloadStarts)
	assert.Zero(t, pids[0].Discontinuity)

	assert.Equal(t, uint16(0x101), pids[1].PID)
	assert.Equal(t, int64(3), pids[1].Packets)
	assert.Zero(t, pids[1].Even+pids[1].Odd)
}

func TestCensus_ContinuityErrors(t *testing.T) {
	stream := testdata.Stream(0x200, 6, 0)
	// drop packet 3
	stream = append(stream[:3*mpegts.PacketSize:3*mpegts.PacketSize], stream[4*mpegts.PacketSize:]...)

	pids, err := census(context.Background(), bytes.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, pids, 1)
	assert.Equal(t, int64(5), pids[0].Packets)
	assert.Equal(t, int64(1), pids[0].Discontinuity)
}

func TestScanCommand(t *testing.T) {
	base := filepath.Join(t.TempDir(), "rec.ts")
	stream := testdata.Stream(0x100, 8, 0)
	require.NoError(t, os.WriteFile(base, stream[:5*mpegts.PacketSize], 0o644))
	require.NoError(t, os.WriteFile(base+".001", stream[5*mpegts.PacketSize:], 0o644))

	out, err := execute(t, "scan", base)
	require.NoError(t, err)
	assert.Contains(t, out, "PACKETS")
	assert.Regexp(t, `0x100\s+8\s`, out)
}

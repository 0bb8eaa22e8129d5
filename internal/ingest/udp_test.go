package ingest

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/testdata"
)

func dialInput(t *testing.T, in Input) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, in.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUDPInput_ReadsDatagrams(t *testing.T) {
	in, err := Open("udp://127.0.0.1:0", testIngestConfig(), nil)
	require.NoError(t, err)
	defer in.Close()
	assert.Equal(t, ProtocolUDP, in.Protocol())

	stream := testdata.Stream(0x100, 14, 0)
	conn := dialInput(t, in)
	_, err = conn.Write(stream[:7*188])
	require.NoError(t, err)
	_, err = conn.Write(stream[7*188:])
	require.NoError(t, err)

	buf := make([]byte, 2048)
	var got []byte
	for len(got) < len(stream) {
		n, err := in.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 7*188, n, "one datagram per read")
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, stream, got)
}

func TestUDPInput_ShortBuffer(t *testing.T) {
	in, err := Open("udp://127.0.0.1:0", testIngestConfig(), nil)
	require.NoError(t, err)
	defer in.Close()

	_, err = in.Read(make([]byte, 188))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestUDPInput_CloseUnblocksRead(t *testing.T) {
	in, err := Open("udp://127.0.0.1:0", testIngestConfig(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := in.Read(make([]byte, 2048))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, in.Close())
	assert.NoError(t, in.Close(), "second close is a no-op")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked")
	}
}

package ringbuffer

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, size, margin int, opts ...Option) *Linear {
	t.Helper()
	l, err := New(size, margin, opts...)
	require.NoError(t, err)
	return l
}

func assertConservation(t *testing.T, l *Linear) {
	t.Helper()
	assert.Equal(t, l.Size(), l.Available()+l.Free()+l.Margin()+1)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(1, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(16, 9)
	assert.ErrorIs(t, err, ErrInvalidMargin)

	_, err = New(16, -1)
	assert.ErrorIs(t, err, ErrInvalidMargin)

	l, err := New(16, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Available())
	assert.Equal(t, 16-8-1, l.Free())
	assertConservation(t, l)
}

func TestLinear_PutGetDel(t *testing.T) {
	l := newTestBuffer(t, 16, 4)

	n := l.Put([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.Equal(t, 10, n)
	assert.Equal(t, 10, l.Available())
	assertConservation(t, l)

	run := l.Get()
	require.NotNil(t, run)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, run)

	l.Del(8)
	assert.Equal(t, 2, l.Available())
	assertConservation(t, l)
}

func TestLinear_WrapSplitsCopy(t *testing.T) {
	l := newTestBuffer(t, 16, 4)

	require.Equal(t, 10, l.Put([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	require.NotNil(t, l.Get())
	l.Del(8)

	// 2 bytes fit before the physical end, 4 continue at the margin
	require.Equal(t, 6, l.Put([]byte{10, 11, 12, 13, 14, 15}))
	assert.Equal(t, 8, l.Available())
	assertConservation(t, l)

	run := l.Get()
	assert.Equal(t, []byte{8, 9, 10, 11}, run)
	l.Del(len(run))

	run = l.Get()
	assert.Equal(t, []byte{12, 13, 14, 15}, run)
	l.Del(len(run))
	assert.Equal(t, 0, l.Available())
}

func TestLinear_WrapCompaction(t *testing.T) {
	l := newTestBuffer(t, 16, 4)

	require.Equal(t, 10, l.Put(bytes.Repeat([]byte{0xAA}, 10)))
	require.NotNil(t, l.Get())
	l.Del(10)

	// Only 2 bytes remain before the physical end, less than the margin.
	require.Equal(t, 6, l.Put([]byte{1, 2, 3, 4, 5, 6}))

	run := l.Get()
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, run, "short tail run is moved in front of the wrapped data")
	l.Del(len(run))
	assert.Equal(t, 0, l.Available())
	assertConservation(t, l)
}

// Drives the buffer through many wraps with uneven chunk sizes and checks
// ordering, the margin contract and conservation at every step.
func TestLinear_WrapPatterns(t *testing.T) {
	const (
		size   = 16
		margin = 4
		total  = 5000
	)
	l := newTestBuffer(t, size, margin)

	produced := make([]byte, total)
	for i := range produced {
		produced[i] = byte(i*7 + i/13)
	}

	var consumed []byte
	written := 0
	for step := 0; written < total && step < 100000; step++ {
		chunk := 1 + step%7
		if written+chunk > total {
			chunk = total - written
		}
		written += l.Put(produced[written : written+chunk])
		assertConservation(t, l)

		if run := l.Get(); run != nil {
			require.GreaterOrEqual(t, len(run), margin)
			take := len(run)
			if step%3 == 0 && take > 1 {
				take = take/2 + 1
			}
			consumed = append(consumed, run[:take]...)
			l.Del(take)
		}
		require.Equal(t, written-len(consumed), l.Available())
	}
	require.Equal(t, total, written)

	l.CloseWrite()
	for l.Available() > 0 {
		run := l.Get()
		require.NotNil(t, run)
		consumed = append(consumed, run...)
		l.Del(len(run))
	}

	assert.Equal(t, produced, consumed)
}

func TestLinear_MarginInvariant(t *testing.T) {
	l := newTestBuffer(t, 64, 8)

	require.Equal(t, 5, l.Put([]byte{1, 2, 3, 4, 5}))
	assert.Nil(t, l.Get(), "fewer than margin bytes are not handed out")

	require.Equal(t, 3, l.Put([]byte{6, 7, 8}))
	run := l.Get()
	assert.Len(t, run, 8)
}

func TestLinear_CloseWriteDrains(t *testing.T) {
	l := newTestBuffer(t, 64, 8)
	l.SetTimeouts(time.Second, time.Second)

	require.Equal(t, 3, l.Put([]byte{1, 2, 3}))
	l.CloseWrite()
	assert.True(t, l.Closed())

	start := time.Now()
	run := l.Get()
	assert.Equal(t, []byte{1, 2, 3}, run)
	l.Del(3)

	assert.Nil(t, l.Get())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "closed buffer does not wait")

	l.Clear()
	assert.False(t, l.Closed())
}

func TestLinear_DelClamped(t *testing.T) {
	l := newTestBuffer(t, 32, 4)

	require.Equal(t, 10, l.Put(make([]byte, 10)))
	run := l.Get()
	require.Len(t, run, 10)

	l.Del(50)
	assert.Equal(t, 0, l.Available())

	// Nothing gotten, nothing deleted
	require.Equal(t, 6, l.Put(make([]byte, 6)))
	l.Del(6)
	assert.Equal(t, 6, l.Available())
}

func TestLinear_Read(t *testing.T) {
	l := newTestBuffer(t, 16, 4)
	src := bytes.NewReader(bytes.Repeat([]byte{0x47}, 100))

	n, err := l.Read(src, 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n, "free run leaves one byte so head never meets tail")
	assert.Equal(t, 11, l.Available())
	assert.Equal(t, 0, l.Free())

	n, err = l.Read(src, 0)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 0, n)

	run := l.Get()
	require.Len(t, run, 11)
	l.Del(11)

	n, err = l.Read(src, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "limited by the contiguous run before the physical end")

	n, err = l.Read(src, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "max caps the read")
	assertConservation(t, l)
}

func TestLinear_ReadEOF(t *testing.T) {
	l := newTestBuffer(t, 64, 4)

	n, err := l.Read(bytes.NewReader(nil), 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLinear_GetTimesOut(t *testing.T) {
	l := newTestBuffer(t, 64, 4)
	l.SetTimeouts(0, 50*time.Millisecond)

	start := time.Now()
	assert.Nil(t, l.Get())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLinear_PutWakesWaitingGet(t *testing.T) {
	l := newTestBuffer(t, 300, 4)
	l.SetTimeouts(time.Second, 5*time.Second)

	done := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		l.Get()
		done <- time.Since(start)
	}()

	time.Sleep(20 * time.Millisecond)
	// More than a third of the capacity signals the consumer.
	require.Equal(t, 150, l.Put(make([]byte, 150)))

	select {
	case waited := <-done:
		assert.Less(t, waited, 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestLinear_FullPutWaits(t *testing.T) {
	l := newTestBuffer(t, 32, 4)
	l.SetTimeouts(50*time.Millisecond, 0)

	require.Equal(t, 27, l.Put(make([]byte, 40)))

	start := time.Now()
	assert.Equal(t, 0, l.Put([]byte{1}))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLinear_ReadyFunc(t *testing.T) {
	l := newTestBuffer(t, 1024, 188, WithReadyFunc(func(data []byte) int {
		return len(data) / 188 * 188
	}))

	require.Equal(t, 300, l.Put(make([]byte, 300)))
	assert.Len(t, l.Get(), 188)
}

func TestLinear_Stats(t *testing.T) {
	l := newTestBuffer(t, 101, 0, WithStatistics(true), WithName("stats-test"))

	require.Equal(t, 80, l.Put(make([]byte, 80)))

	st := l.Stats()
	assert.Equal(t, "stats-test", st.Name)
	assert.Equal(t, 80, st.Available)
	assert.Equal(t, 80, st.MaxFill)
	assert.InDelta(t, 80.0, st.MaxFillPercent, 0.01)
	assert.True(t, st.StatisticsEnabled)

	l.ReportOverflow(188)
	l.ReportOverflow(376)
	st = l.Stats()
	assert.Equal(t, int64(2), st.Overflows)
	assert.Equal(t, int64(564), st.OverflowBytes)

	assert.NotPanics(t, l.LogStats)
}

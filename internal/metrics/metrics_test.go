package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferMetrics(t *testing.T) {
	SetBufferFill("test-ring", 0.7)
	assert.Equal(t, 0.7, testutil.ToFloat64(bufferFillRatio.WithLabelValues("test-ring")))

	initial := testutil.ToFloat64(bufferOverflowsTotal.WithLabelValues("test-ring"))
	initialBytes := testutil.ToFloat64(bufferOverflowBytesTotal.WithLabelValues("test-ring"))

	RecordBufferOverflow("test-ring", 188)
	RecordBufferOverflow("test-ring", 0)

	assert.Equal(t, initial+2, testutil.ToFloat64(bufferOverflowsTotal.WithLabelValues("test-ring")))
	assert.Equal(t, initialBytes+188, testutil.ToFloat64(bufferOverflowBytesTotal.WithLabelValues("test-ring")))
}

func TestDescramblerMetrics(t *testing.T) {
	ca := "7"

	AddDescrambledPackets(ca, "even", 10)
	AddDescrambledPackets(ca, "even", 0)
	AddDescrambledPackets(ca, "odd", 3)
	assert.Equal(t, 10.0, testutil.ToFloat64(descramblerPacketsTotal.WithLabelValues(ca, "even")))
	assert.Equal(t, 3.0, testutil.ToFloat64(descramblerPacketsTotal.WithLabelValues(ca, "odd")))

	IncrementBatches(ca)
	IncrementKeysInstalled(ca, "odd")
	IncrementKeyWaitTimeout(ca, "key")
	AddDroppedPackets(ca, "key_timeout", 4)
	SetActivePIDs(ca, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(descramblerBatchesTotal.WithLabelValues(ca)))
	assert.Equal(t, 1.0, testutil.ToFloat64(descramblerKeysTotal.WithLabelValues(ca, "odd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(descramblerKeyWaitTimeoutsTotal.WithLabelValues(ca, "key")))
	assert.Equal(t, 4.0, testutil.ToFloat64(descramblerDroppedPacketsTotal.WithLabelValues(ca, "key_timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(descramblerActivePIDs.WithLabelValues(ca)))
}

func TestSourceMetrics(t *testing.T) {
	src := "metrics-test"

	AddSourceBytes(src, 1880)
	RecordSyncLoss(src, 17)
	assert.Equal(t, 1880.0, testutil.ToFloat64(sourceBytesTotal.WithLabelValues(src)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sourceSyncLossTotal.WithLabelValues(src)))
	assert.Equal(t, 17.0, testutil.ToFloat64(sourceDiscardedBytesTotal.WithLabelValues(src)))

	before := testutil.ToFloat64(sourceSegmentSwitchesTotal)
	IncrementSegmentSwitches()
	assert.Equal(t, before+1, testutil.ToFloat64(sourceSegmentSwitchesTotal))

	before = testutil.ToFloat64(pesLocksTotal)
	IncrementPESLocks()
	assert.Equal(t, before+1, testutil.ToFloat64(pesLocksTotal))
}

func TestIngestConnectionsGauge(t *testing.T) {
	IncrementIngestConnections("udp-test")
	IncrementIngestConnections("udp-test")
	DecrementIngestConnections("udp-test")

	var m dto.Metric
	require.NoError(t, ingestConnectionsActive.WithLabelValues("udp-test").(prometheus.Gauge).Write(&m))
	assert.Equal(t, 1.0, m.GetGauge().GetValue())
}

func TestConcurrentMetricsUpdates(t *testing.T) {
	const workers = 8
	before := testutil.ToFloat64(ingestBytesTotal.WithLabelValues("concurrent"))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				AddIngestBytes("concurrent", 188)
				IncrementControlMessage("redis", "descr", "ok")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, before+workers*100*188, testutil.ToFloat64(ingestBytesTotal.WithLabelValues("concurrent")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(controlMessagesTotal.WithLabelValues("redis", "descr", "ok")), float64(workers*100))
}

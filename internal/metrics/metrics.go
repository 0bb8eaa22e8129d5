package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tsdecrypt"

var (
	// Ring buffer metrics
	bufferFillRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ringbuffer_fill_ratio",
		Help:      "Fraction of the ring buffer holding unread data",
	}, []string{"buffer"})

	bufferOverflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ringbuffer_overflows_total",
		Help:      "Writes refused or truncated because the ring buffer was full",
	}, []string{"buffer"})

	bufferOverflowBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ringbuffer_overflow_bytes_total",
		Help:      "Bytes lost to ring buffer overflow",
	}, []string{"buffer"})

	// Descrambler metrics
	descramblerPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_packets_total",
		Help:      "TS packets seen by the descrambler by parity",
	}, []string{"ca", "parity"})

	descramblerBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_batches_total",
		Help:      "Batches handed to the scrambling engine",
	}, []string{"ca"})

	descramblerKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_keys_installed_total",
		Help:      "Control words installed",
	}, []string{"ca", "parity"})

	descramblerKeyChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_key_changes_total",
		Help:      "Parity switches observed in the stream",
	}, []string{"ca", "parity"})

	descramblerKeyWaitTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_key_wait_timeouts_total",
		Help:      "Key waits that expired before the other side signalled",
	}, []string{"ca", "wait"})

	descramblerDroppedPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descrambler_dropped_packets_total",
		Help:      "Scrambled packets left undecrypted",
	}, []string{"ca", "reason"})

	descramblerActivePIDs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "descrambler_active_pids",
		Help:      "PIDs currently mapped to a key slot",
	}, []string{"ca"})

	// Source metrics
	sourceBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_bytes_total",
		Help:      "Decrypted bytes delivered to readers",
	}, []string{"source"})

	sourceSyncLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_sync_loss_total",
		Help:      "Times the reader lost packet alignment",
	}, []string{"source"})

	sourceDiscardedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_discarded_bytes_total",
		Help:      "Bytes skipped while resynchronising",
	}, []string{"source"})

	sourceSegmentSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_segment_switches_total",
		Help:      "Transitions between segment files",
	})

	pesLocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pes_locks_total",
		Help:      "Times the PES detector found a boundary",
	})

	// Control metrics
	controlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_messages_total",
		Help:      "CA control messages by origin and outcome",
	}, []string{"origin", "type", "result"})

	// Ingest metrics
	ingestBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_bytes_total",
		Help:      "Bytes received from live inputs",
	}, []string{"protocol"})

	ingestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_errors_total",
		Help:      "Live input errors",
	}, []string{"protocol", "error_type"})

	ingestConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_connections_active",
		Help:      "Open live input connections",
	}, []string{"protocol"})
)

// SetBufferFill records the fill ratio of a ring buffer
func SetBufferFill(buffer string, ratio float64) {
	bufferFillRatio.WithLabelValues(buffer).Set(ratio)
}

// RecordBufferOverflow records one overflow event and the bytes it lost
func RecordBufferOverflow(buffer string, lostBytes int) {
	bufferOverflowsTotal.WithLabelValues(buffer).Inc()
	if lostBytes > 0 {
		bufferOverflowBytesTotal.WithLabelValues(buffer).Add(float64(lostBytes))
	}
}

// AddDescrambledPackets counts packets by parity: "even", "odd" or "clear"
func AddDescrambledPackets(ca, parity string, n int) {
	if n > 0 {
		descramblerPacketsTotal.WithLabelValues(ca, parity).Add(float64(n))
	}
}

func IncrementBatches(ca string) {
	descramblerBatchesTotal.WithLabelValues(ca).Inc()
}

func IncrementKeysInstalled(ca, parity string) {
	descramblerKeysTotal.WithLabelValues(ca, parity).Inc()
}

// IncrementKeyChanges counts a switch of the stream to parity
func IncrementKeyChanges(ca, parity string) {
	descramblerKeyChangesTotal.WithLabelValues(ca, parity).Inc()
}

// IncrementKeyWaitTimeout counts expired waits. wait is "key" or "release".
func IncrementKeyWaitTimeout(ca, wait string) {
	descramblerKeyWaitTimeoutsTotal.WithLabelValues(ca, wait).Inc()
}

func AddDroppedPackets(ca, reason string, n int) {
	if n > 0 {
		descramblerDroppedPacketsTotal.WithLabelValues(ca, reason).Add(float64(n))
	}
}

func SetActivePIDs(ca string, n int) {
	descramblerActivePIDs.WithLabelValues(ca).Set(float64(n))
}

func AddSourceBytes(source string, n int) {
	if n > 0 {
		sourceBytesTotal.WithLabelValues(source).Add(float64(n))
	}
}

// RecordSyncLoss counts one alignment loss and the bytes skipped to recover
func RecordSyncLoss(source string, discarded int) {
	sourceSyncLossTotal.WithLabelValues(source).Inc()
	if discarded > 0 {
		sourceDiscardedBytesTotal.WithLabelValues(source).Add(float64(discarded))
	}
}

func IncrementSegmentSwitches() {
	sourceSegmentSwitchesTotal.Inc()
}

func IncrementPESLocks() {
	pesLocksTotal.Inc()
}

// IncrementControlMessage counts a control message. origin is "redis" or
// "http"; result is "ok" or "error".
func IncrementControlMessage(origin, msgType, result string) {
	controlMessagesTotal.WithLabelValues(origin, msgType, result).Inc()
}

func AddIngestBytes(protocol string, n int) {
	if n > 0 {
		ingestBytesTotal.WithLabelValues(protocol).Add(float64(n))
	}
}

func IncrementIngestError(protocol, errorType string) {
	ingestErrorsTotal.WithLabelValues(protocol, errorType).Inc()
}

func IncrementIngestConnections(protocol string) {
	ingestConnectionsActive.WithLabelValues(protocol).Inc()
}

func DecrementIngestConnections(protocol string) {
	ingestConnectionsActive.WithLabelValues(protocol).Dec()
}

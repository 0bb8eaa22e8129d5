package ingest

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
)

// PayloadTypeMP2T is the static RTP payload type for MPEG-2 transport streams
const PayloadTypeMP2T = 33

const rtpBufferSize = 64 * 1024

// RTPInput receives MP2T over RTP and returns the TS payload of one RTP
// packet per Read. Packets of other payload types are skipped; sequence
// gaps are counted but not concealed.
type RTPInput struct {
	conn *net.UDPConn
	buf  []byte

	ssrc    uint32
	lastSeq uint16
	started bool
	gaps    atomic.Int64

	log       logger.Logger
	sampled   *logger.SampledLogger
	closeOnce sync.Once
}

// ListenRTP binds hostport for RTP reception
func ListenRTP(hostport string, cfg *config.UDPConfig, log logger.Logger) (*RTPInput, error) {
	log = logger.OrNull(log)
	conn, err := listenUDP(hostport, cfg, log)
	if err != nil {
		return nil, err
	}

	metrics.IncrementIngestConnections(ProtocolRTP)
	log.WithField("addr", conn.LocalAddr().String()).Info("RTP input listening")
	return &RTPInput{
		conn:    conn,
		buf:     make([]byte, rtpBufferSize),
		log:     log,
		sampled: logger.NewStreamLogger(log),
	}, nil
}

func (r *RTPInput) Read(p []byte) (int, error) {
	for {
		n, err := r.conn.Read(r.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			metrics.IncrementIngestError(ProtocolRTP, "read")
			return 0, err
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(r.buf[:n]); err != nil {
			metrics.IncrementIngestError(ProtocolRTP, "malformed")
			r.sampled.Sample(logrus.WarnLevel, logger.CategoryMalformed, "Dropping malformed RTP packet", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if packet.PayloadType != PayloadTypeMP2T {
			metrics.IncrementIngestError(ProtocolRTP, "payload_type")
			r.sampled.Sample(logrus.WarnLevel, logger.CategoryMalformed, "Dropping non-MP2T RTP packet", map[string]interface{}{
				"payload_type": packet.PayloadType,
			})
			continue
		}

		r.track(&packet.Header)

		if len(packet.Payload) > len(p) {
			return 0, io.ErrShortBuffer
		}
		copied := copy(p, packet.Payload)
		metrics.AddIngestBytes(ProtocolRTP, copied)
		return copied, nil
	}
}

// track follows the sequence number of the current SSRC
func (r *RTPInput) track(h *rtp.Header) {
	if !r.started || h.SSRC != r.ssrc {
		if r.started {
			r.log.WithFields(map[string]interface{}{
				"old_ssrc": r.ssrc,
				"new_ssrc": h.SSRC,
			}).Info("RTP source changed")
		}
		r.ssrc = h.SSRC
		r.lastSeq = h.SequenceNumber
		r.started = true
		return
	}

	// uint16 arithmetic handles wrap-around
	if gap := h.SequenceNumber - r.lastSeq; gap != 1 {
		r.gaps.Add(1)
		metrics.IncrementIngestError(ProtocolRTP, "sequence_gap")
		r.sampled.Sample(logrus.WarnLevel, logger.CategorySyncLoss, "RTP sequence gap", map[string]interface{}{
			"expected": r.lastSeq + 1,
			"got":      h.SequenceNumber,
		})
	}
	r.lastSeq = h.SequenceNumber
}

// Gaps returns the number of sequence discontinuities seen
func (r *RTPInput) Gaps() int64 { return r.gaps.Load() }

func (r *RTPInput) Protocol() string    { return ProtocolRTP }
func (r *RTPInput) LocalAddr() net.Addr { return r.conn.LocalAddr() }

func (r *RTPInput) Close() error {
	var err error
	r.closeOnce.Do(func() {
		metrics.DecrementIngestConnections(ProtocolRTP)
		err = r.conn.Close()
	})
	return err
}

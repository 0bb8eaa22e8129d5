package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/pkg/version"
)

// SRT connection modes
const (
	ModeCaller   = "caller"
	ModeListener = "listener"
)

const defaultSRTPayload = 1316

// SRTInput receives TS over SRT. In caller mode it dials a sender; in
// listener mode it waits for a publisher and, when that publisher leaves,
// for the next one.
type SRTInput struct {
	mode     string
	streamID string
	payload  int

	listener srt.Listener

	mu     sync.Mutex
	conn   srt.Conn
	closed bool

	log logger.Logger
}

// OpenSRT dials or listens according to the mode query parameter. Other
// recognised parameters: streamid, passphrase, latency (milliseconds).
func OpenSRT(u *url.URL, cfg *config.SRTConfig, log logger.Logger) (*SRTInput, error) {
	log = logger.OrNull(log)
	q := u.Query()

	srtCfg := srt.DefaultConfig()
	if cfg.Latency > 0 {
		srtCfg.ReceiverLatency = cfg.Latency
		srtCfg.PeerLatency = cfg.Latency
	}
	if cfg.PeerIdleTimeout > 0 {
		srtCfg.PeerIdleTimeout = cfg.PeerIdleTimeout
	}
	payload := cfg.PayloadSize
	if payload <= 0 {
		payload = defaultSRTPayload
	}
	srtCfg.PayloadSize = uint32(payload)
	srtCfg.Passphrase = cfg.Passphrase

	if v := q.Get("passphrase"); v != "" {
		srtCfg.Passphrase = v
	}
	if v := q.Get("latency"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("%w: latency %q", ErrInvalidAddress, v)
		}
		srtCfg.ReceiverLatency = time.Duration(ms) * time.Millisecond
		srtCfg.PeerLatency = srtCfg.ReceiverLatency
	}

	in := &SRTInput{
		mode:     q.Get("mode"),
		streamID: q.Get("streamid"),
		payload:  payload,
		log:      log,
	}
	if in.mode == "" {
		in.mode = ModeCaller
	}
	if in.streamID == "" {
		in.streamID = version.Name
	}

	switch in.mode {
	case ModeCaller:
		srtCfg.StreamId = in.streamID
		conn, err := srt.Dial("srt", u.Host, srtCfg)
		if err != nil {
			metrics.IncrementIngestError(ProtocolSRT, "connect")
			return nil, fmt.Errorf("srt dial %s: %w", u.Host, err)
		}
		in.conn = conn
		metrics.IncrementIngestConnections(ProtocolSRT)
		log.WithField("stream_id", in.streamID).Info("SRT input connected")
	case ModeListener:
		ln, err := srt.Listen("srt", u.Host, srtCfg)
		if err != nil {
			return nil, fmt.Errorf("srt listen %s: %w", u.Host, err)
		}
		in.listener = ln
		log.WithField("addr", ln.Addr().String()).Info("SRT input listening")
	default:
		return nil, fmt.Errorf("%w: srt mode %q", ErrInvalidAddress, in.mode)
	}
	return in, nil
}

// Read returns the payload of one SRT message. p must hold the configured
// payload size.
func (s *SRTInput) Read(p []byte) (int, error) {
	if len(p) < s.payload {
		return 0, io.ErrShortBuffer
	}

	for {
		conn, err := s.current()
		if err != nil {
			return 0, err
		}

		n, err := conn.Read(p)
		if n > 0 {
			metrics.AddIngestBytes(ProtocolSRT, n)
			return n, nil
		}
		if err == nil {
			continue
		}
		if s.isClosed() {
			return 0, io.EOF
		}
		if s.listener == nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			metrics.IncrementIngestError(ProtocolSRT, "read")
			return 0, err
		}

		s.log.WithError(err).Info("SRT publisher disconnected, waiting for the next one")
		s.drop(conn)
	}
}

// current returns the active connection, accepting one in listener mode
func (s *SRTInput) current() (srt.Conn, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()

	if closed {
		return nil, io.EOF
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := s.accept()
	if err != nil {
		if s.isClosed() {
			return nil, io.EOF
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return nil, io.EOF
	}
	s.conn = conn
	metrics.IncrementIngestConnections(ProtocolSRT)
	return conn, nil
}

func (s *SRTInput) accept() (srt.Conn, error) {
	for {
		conn, mode, err := s.listener.Accept(func(req srt.ConnRequest) srt.ConnType {
			if req.StreamId() != s.streamID {
				s.log.WithField("stream_id", req.StreamId()).Warn("Rejecting SRT connection for unknown stream id")
				return srt.REJECT
			}
			return srt.PUBLISH
		})
		if err != nil {
			return nil, fmt.Errorf("srt accept: %w", err)
		}
		if conn == nil || mode == srt.REJECT {
			metrics.IncrementIngestError(ProtocolSRT, "rejected")
			continue
		}

		s.log.WithFields(map[string]interface{}{
			"remote":    conn.RemoteAddr().String(),
			"stream_id": conn.StreamId(),
		}).Info("SRT publisher connected")
		return conn, nil
	}
}

func (s *SRTInput) drop(conn srt.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		metrics.DecrementIngestConnections(ProtocolSRT)
	}
	conn.Close()
}

func (s *SRTInput) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SRTInput) Protocol() string { return ProtocolSRT }

// LocalAddr is the listening address in listener mode and the local end of
// the connection in caller mode.
func (s *SRTInput) LocalAddr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// StreamID is the stream id dialled or accepted
func (s *SRTInput) StreamID() string { return s.streamID }

func (s *SRTInput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		metrics.DecrementIngestConnections(ProtocolSRT)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	return nil
}

package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
)

const defaultMaxDatagram = 1500

// UDPInput receives raw TS datagrams. Multicast groups are joined on the
// default interface.
type UDPInput struct {
	conn        *net.UDPConn
	maxDatagram int
	log         logger.Logger
	closeOnce   sync.Once
}

// ListenUDP binds hostport and applies the receive buffer size from cfg
func ListenUDP(hostport string, cfg *config.UDPConfig, log logger.Logger) (*UDPInput, error) {
	log = logger.OrNull(log)
	conn, err := listenUDP(hostport, cfg, log)
	if err != nil {
		return nil, err
	}

	maxDatagram := cfg.MaxDatagram
	if maxDatagram <= 0 {
		maxDatagram = defaultMaxDatagram
	}

	metrics.IncrementIngestConnections(ProtocolUDP)
	log.WithField("addr", conn.LocalAddr().String()).Info("UDP input listening")
	return &UDPInput{conn: conn, maxDatagram: maxDatagram, log: log}, nil
}

func listenUDP(hostport string, cfg *config.UDPConfig, log logger.Logger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", hostport, err)
	}

	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			log.WithError(err).Warn("Failed to set UDP receive buffer size")
		}
	}
	return conn, nil
}

// Read returns one datagram. p must hold the configured maximum datagram
// size, otherwise the kernel would silently truncate.
func (u *UDPInput) Read(p []byte) (int, error) {
	if len(p) < u.maxDatagram {
		return 0, io.ErrShortBuffer
	}

	n, err := u.conn.Read(p)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, io.EOF
		}
		metrics.IncrementIngestError(ProtocolUDP, "read")
		return 0, err
	}
	metrics.AddIngestBytes(ProtocolUDP, n)
	return n, nil
}

func (u *UDPInput) Protocol() string    { return ProtocolUDP }
func (u *UDPInput) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close stops the input and unblocks a pending Read with io.EOF
func (u *UDPInput) Close() error {
	var err error
	u.closeOnce.Do(func() {
		metrics.DecrementIngestConnections(ProtocolUDP)
		err = u.conn.Close()
	})
	return err
}

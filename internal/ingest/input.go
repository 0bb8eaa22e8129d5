// Package ingest opens live transport stream inputs. Every input is an
// io.ReadCloser that returns whole datagrams (UDP), RTP payloads or SRT
// messages per Read; Close unblocks a pending Read.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
)

// Protocol names used in metrics and logs
const (
	ProtocolUDP = "udp"
	ProtocolRTP = "rtp"
	ProtocolSRT = "srt"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported input scheme")
	ErrInvalidAddress    = errors.New("invalid input address")
)

// Input is a live stream of TS bytes
type Input interface {
	io.ReadCloser
	Protocol() string
	// LocalAddr is the bound address, useful when listening on port 0
	LocalAddr() net.Addr
}

// IsLive reports whether location names a live input rather than a file
func IsLive(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case ProtocolUDP, ProtocolRTP, ProtocolSRT:
		return true
	}
	return false
}

// Open opens the live input named by rawURL: udp://bind:port,
// rtp://bind:port or srt://host:port?mode=caller|listener&streamid=...
func Open(rawURL string, cfg *config.IngestConfig, log logger.Logger) (Input, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host:port in %q", ErrInvalidAddress, rawURL)
	}
	log = logger.OrNull(log).WithField("input", rawURL)

	switch strings.ToLower(u.Scheme) {
	case ProtocolUDP:
		return ListenUDP(u.Host, &cfg.UDP, log)
	case ProtocolRTP:
		return ListenRTP(u.Host, &cfg.UDP, log)
	case ProtocolSRT:
		return OpenSRT(u, &cfg.SRT, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

package config

import (
	"fmt"
	"os"
)

// Wire-level sizes the buffer checks depend on. Kept local so config does
// not import the stream packages.
const (
	tsPacketSize   = 188
	maxPartsLimit  = 1000
	maxDemuxNumber = 0xFF
)

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer config: %w", err)
	}

	if err := c.Descrambler.Validate(); err != nil {
		return fmt.Errorf("descrambler config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Control.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if s.HTTP3Enabled() {
		if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
			return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
		}

		if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
		}

		if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
		}
	}

	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	return nil
}

func (b *BufferConfig) Validate() error {
	if b.Margin < tsPacketSize {
		return fmt.Errorf("margin (%d) must hold at least one packet (%d bytes)", b.Margin, tsPacketSize)
	}

	// Size must leave room for the margin region and at least one run.
	if b.Size <= 2*b.Margin {
		return fmt.Errorf("size (%d) must exceed twice the margin (%d)", b.Size, b.Margin)
	}

	if b.PutTimeout < 0 || b.GetTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if b.ReadChunk <= 0 {
		return fmt.Errorf("read_chunk must be positive")
	}

	if b.FillThreshold <= 0 || b.FillThreshold >= b.Size {
		return fmt.Errorf("fill_threshold (%d) must be positive and below size (%d)", b.FillThreshold, b.Size)
	}

	if b.MaxDelivery < tsPacketSize {
		return fmt.Errorf("max_delivery must hold at least one packet (%d bytes)", tsPacketSize)
	}

	return nil
}

func (d *DescramblerConfig) Validate() error {
	if d.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}

	if d.KeyWait < 0 || d.ReleaseWait < 0 {
		return fmt.Errorf("key waits cannot be negative")
	}

	seen := make(map[DemuxAddress]bool, len(d.Demuxes))
	for _, addr := range d.Demuxes {
		if addr.Adapter < 0 || addr.Adapter > maxDemuxNumber || addr.Demux < 0 || addr.Demux > maxDemuxNumber {
			return fmt.Errorf("invalid demux address %d/%d", addr.Adapter, addr.Demux)
		}
		if seen[addr] {
			return fmt.Errorf("duplicate demux address %d/%d", addr.Adapter, addr.Demux)
		}
		seen[addr] = true
	}

	return nil
}

func (s *SourceConfig) Validate() error {
	if s.MaxParts < 1 || s.MaxParts > maxPartsLimit {
		return fmt.Errorf("max_parts must be between 1 and %d", maxPartsLimit)
	}
	return nil
}

func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.Channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	return nil
}

func (i *IngestConfig) Validate() error {
	if i.SRT.PayloadSize <= 0 || i.SRT.PayloadSize%tsPacketSize != 0 {
		return fmt.Errorf("srt payload_size must be a positive multiple of %d", tsPacketSize)
	}

	if i.SRT.Latency < 0 {
		return fmt.Errorf("srt latency cannot be negative")
	}

	if i.SRT.Passphrase != "" && (len(i.SRT.Passphrase) < 10 || len(i.SRT.Passphrase) > 79) {
		return fmt.Errorf("srt passphrase must be 10 to 79 characters")
	}

	if i.UDP.MaxDatagram < tsPacketSize {
		return fmt.Errorf("udp max_datagram must hold at least one packet")
	}

	if i.UDP.ReadBufferSize < 0 {
		return fmt.Errorf("udp read_buffer_size cannot be negative")
	}

	return nil
}

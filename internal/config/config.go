package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Server      ServerConfig      `mapstructure:"server"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	Descrambler DescramblerConfig `mapstructure:"descrambler"`
	Source      SourceConfig      `mapstructure:"source"`
	Control     ControlConfig     `mapstructure:"control"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// ServerConfig configures the control API listener. HTTP/3 is only started
// when both TLS files are set.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	HTTP3Port       int           `mapstructure:"http3_port"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTP3Enabled reports whether the HTTP/3 listener should be started
func (s *ServerConfig) HTTP3Enabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type BufferConfig struct {
	Size          int           `mapstructure:"size"`           // ring capacity in bytes (2024KB default)
	Margin        int           `mapstructure:"margin"`         // minimum contiguous Get run
	PutTimeout    time.Duration `mapstructure:"put_timeout"`    // producer wait when full
	GetTimeout    time.Duration `mapstructure:"get_timeout"`    // consumer wait when empty
	FillThreshold int           `mapstructure:"fill_threshold"` // fill until this many bytes are available
	ReadChunk     int           `mapstructure:"read_chunk"`     // max bytes per underlying read
	MaxDelivery   int           `mapstructure:"max_delivery"`   // max bytes handed to one Decrypt call
	Statistics    bool          `mapstructure:"statistics"`
}

type DescramblerConfig struct {
	Engine           string         `mapstructure:"engine"` // des or none
	BatchSize        int            `mapstructure:"batch_size"`
	KeyWait          time.Duration  `mapstructure:"key_wait"`     // wait for the new parity key on a key change
	ReleaseWait      time.Duration  `mapstructure:"release_wait"` // wait before overwriting a key in use
	DropOnKeyTimeout bool           `mapstructure:"drop_on_key_timeout"`
	Demuxes          []DemuxAddress `mapstructure:"demuxes"`
}

// DemuxAddress identifies one (adapter, demux) pair, i.e. one descrambler
type DemuxAddress struct {
	Adapter int `mapstructure:"adapter"`
	Demux   int `mapstructure:"demux"`
}

type SourceConfig struct {
	MaxParts int `mapstructure:"max_parts"` // .001 to .999
}

type ControlConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Channel      string        `mapstructure:"channel"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type IngestConfig struct {
	SRT SRTConfig `mapstructure:"srt"`
	UDP UDPConfig `mapstructure:"udp"`
}

type SRTConfig struct {
	Latency         time.Duration `mapstructure:"latency"`
	PayloadSize     int           `mapstructure:"payload_size"` // 7 TS packets
	PeerIdleTimeout time.Duration `mapstructure:"peer_idle_timeout"`
	Passphrase      string        `mapstructure:"passphrase"`
}

type UDPConfig struct {
	ReadBufferSize int `mapstructure:"read_buffer_size"` // SO_RCVBUF
	MaxDatagram    int `mapstructure:"max_datagram"`
}

// Load reads the configuration file at configPath. An empty path loads
// defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable override
	v.SetEnvPrefix("TSDECRYPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults only
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults are validated by tests; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Control API defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen_addr", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	// Ring buffer defaults
	v.SetDefault("buffer.size", 2024*1024)
	v.SetDefault("buffer.margin", 188)
	v.SetDefault("buffer.put_timeout", "200ms")
	v.SetDefault("buffer.get_timeout", "200ms")
	v.SetDefault("buffer.fill_threshold", 128*1024)
	v.SetDefault("buffer.read_chunk", 64*1024)
	v.SetDefault("buffer.max_delivery", 64*1024)
	v.SetDefault("buffer.statistics", true)

	// Descrambler defaults
	v.SetDefault("descrambler.engine", "des")
	v.SetDefault("descrambler.batch_size", 64)
	v.SetDefault("descrambler.key_wait", "500ms")
	v.SetDefault("descrambler.release_wait", "100ms")
	v.SetDefault("descrambler.drop_on_key_timeout", false)
	v.SetDefault("descrambler.demuxes", []map[string]interface{}{{"adapter": 0, "demux": 0}})

	// Source defaults
	v.SetDefault("source.max_parts", 1000)

	// Control feed defaults
	v.SetDefault("control.redis.enabled", false)
	v.SetDefault("control.redis.addr", "localhost:6379")
	v.SetDefault("control.redis.db", 0)
	v.SetDefault("control.redis.channel", "tsdecrypt:ca")
	v.SetDefault("control.redis.dial_timeout", "5s")
	v.SetDefault("control.redis.read_timeout", "3s")
	v.SetDefault("control.redis.write_timeout", "3s")

	// Live ingest defaults
	v.SetDefault("ingest.srt.latency", "120ms")
	v.SetDefault("ingest.srt.payload_size", 1316)
	v.SetDefault("ingest.srt.peer_idle_timeout", "5s")
	v.SetDefault("ingest.udp.read_buffer_size", 4*1024*1024)
	v.SetDefault("ingest.udp.max_datagram", 1500)
}

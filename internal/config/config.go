// Package config handles configuration loading and validation for plogd.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/plogd/plogd/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultUDPPort is the port the default UDP listener binds.
const DefaultUDPPort = 23456

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65536

// Duration is a time.Duration read from YAML strings like "5m".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// DefragConfig bounds the reassembly state of one UDP listener.
type DefragConfig struct {
	MaxSize    bytesize.Size `yaml:"max_size"`
	ExpireTime Duration      `yaml:"expire_time"`
}

// HolesConfig configures loss estimation from message ID gaps.
type HolesConfig struct {
	Enabled     bool     `yaml:"enabled"`
	IDsPerPort  int      `yaml:"ids_per_port"`
	Ports       int      `yaml:"ports"`
	MaximumHole int      `yaml:"maximum_hole"`
	ExpireTime  Duration `yaml:"expire_time"`
}

// UDPListenerConfig holds configuration for one UDP socket.
type UDPListenerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"` // 0 picks a free port
	Threads     int           `yaml:"threads"`
	RecvSize    bytesize.Size `yaml:"recv_size"`
	SORcvBuf    bytesize.Size `yaml:"so_rcvbuf"`
	SOSndBuf    bytesize.Size `yaml:"so_sndbuf"`
	AllowKill   bool          `yaml:"allow_kill"`
	Defrag      DefragConfig  `yaml:"defrag"`
	DetectHoles HolesConfig   `yaml:"detect_holes"`
}

// Addr returns the host:port to bind.
func (c *UDPListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TCPListenerConfig holds configuration for one line-oriented TCP listener.
type TCPListenerConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	MaxLine bytesize.Size `yaml:"max_line"`
}

// Addr returns the host:port to bind.
func (c *TCPListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UDPConfig lists the UDP listeners.
type UDPConfig struct {
	Listeners []UDPListenerConfig `yaml:"listeners"`
}

// TCPConfig lists the TCP listeners.
type TCPConfig struct {
	Listeners []TCPListenerConfig `yaml:"listeners"`
}

// TracingConfig holds configuration for the runtime flight recorder.
type TracingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinAge   Duration      `yaml:"min_age"`
	MaxBytes bytesize.Size `yaml:"max_bytes"`
}

// LogShippingConfig pushes the daemon's own logs to Loki.
type LogShippingConfig struct {
	URL           string            `yaml:"url,omitempty"` // base URL; empty disables shipping
	Labels        map[string]string `yaml:"labels,omitempty"`
	BatchSize     int               `yaml:"batch_size,omitempty"`
	FlushInterval Duration          `yaml:"flush_interval,omitempty"`
}

// ConsoleConfig configures the console handler.
type ConsoleConfig struct {
	Target string `yaml:"target,omitempty"` // stdout or stderr
}

// TruncateConfig configures the truncate filter.
type TruncateConfig struct {
	MaxLength int `yaml:"max_length,omitempty"`
}

// KafkaConfig configures the Kafka handler.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers,omitempty"`
	DefaultTopic  string   `yaml:"default_topic,omitempty"`
	Propagate     bool     `yaml:"propagate,omitempty"`
	Compression   string   `yaml:"compression,omitempty"`    // none, gzip, snappy, lz4, zstd
	EncryptionKey string   `yaml:"encryption_key,omitempty"` // hex AES key
	BatchTimeout  Duration `yaml:"batch_timeout,omitempty"`
}

// LokiConfig configures the Loki handler.
type LokiConfig struct {
	URL           string            `yaml:"url,omitempty"` // base URL, e.g. http://loki:3100
	Labels        map[string]string `yaml:"labels,omitempty"`
	TenantID      string            `yaml:"tenant_id,omitempty"`
	BatchSize     int               `yaml:"batch_size,omitempty"`
	FlushInterval Duration          `yaml:"flush_interval,omitempty"`
}

// TailConfig configures the websocket tail handler.
type TailConfig struct {
	BufferSize int `yaml:"buffer_size,omitempty"`
}

// HandlerConfig describes one stage of the handler chain. Only the fields of
// the named type apply.
type HandlerConfig struct {
	Type           string `yaml:"type"`
	ConsoleConfig  `yaml:",inline"`
	TruncateConfig `yaml:",inline"`
	KafkaConfig    `yaml:",inline"`
	LokiConfig     `yaml:",inline"`
	TailConfig     `yaml:",inline"`
}

// Handler types.
const (
	HandlerConsole  = "console"
	HandlerTruncate = "truncate"
	HandlerKafka    = "kafka"
	HandlerLoki     = "loki"
	HandlerTail     = "tail"
	HandlerEater    = "eater"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel      string            `yaml:"log_level"`
	MetricsListen string            `yaml:"metrics_listen"`
	ShutdownTime  Duration          `yaml:"shutdown_time"`
	LogShipping   LogShippingConfig `yaml:"log_shipping"`
	Tracing       TracingConfig     `yaml:"tracing"`
	UDP           UDPConfig         `yaml:"udp"`
	TCP           TCPConfig         `yaml:"tcp"`
	Handlers      []HandlerConfig   `yaml:"handlers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTime == 0 {
		c.ShutdownTime = Duration(10 * time.Second)
	}
	if c.LogShipping.URL != "" {
		if c.LogShipping.BatchSize == 0 {
			c.LogShipping.BatchSize = 100
		}
		if c.LogShipping.FlushInterval == 0 {
			c.LogShipping.FlushInterval = Duration(5 * time.Second)
		}
	}
	if c.Tracing.MinAge == 0 {
		c.Tracing.MinAge = Duration(10 * time.Second)
	}
	if c.Tracing.MaxBytes == 0 {
		c.Tracing.MaxBytes = bytesize.Size(16 * bytesize.MB)
	}

	// An explicit empty list disables UDP
	if c.UDP.Listeners == nil {
		c.UDP.Listeners = []UDPListenerConfig{{Port: DefaultUDPPort}}
	}
	for i := range c.UDP.Listeners {
		c.UDP.Listeners[i].applyDefaults()
	}
	for i := range c.TCP.Listeners {
		l := &c.TCP.Listeners[i]
		if l.Host == "" {
			l.Host = "0.0.0.0"
		}
		if l.MaxLine == 0 {
			l.MaxLine = bytesize.Size(bytesize.MB)
		}
	}

	if c.Handlers == nil {
		c.Handlers = []HandlerConfig{{Type: HandlerConsole}}
	}
	for i := range c.Handlers {
		h := &c.Handlers[i]
		switch h.Type {
		case HandlerConsole:
			if h.Target == "" {
				h.Target = "stdout"
			}
		case HandlerKafka:
			if h.Compression == "" {
				h.Compression = "none"
			}
		case HandlerLoki:
			if h.BatchSize == 0 {
				h.BatchSize = 100
			}
			if h.FlushInterval == 0 {
				h.FlushInterval = Duration(time.Second)
			}
		case HandlerTail:
			if h.BufferSize == 0 {
				h.BufferSize = 256
			}
		}
	}
}

func (l *UDPListenerConfig) applyDefaults() {
	if l.Host == "" {
		l.Host = "0.0.0.0"
	}
	if l.Threads == 0 {
		l.Threads = runtime.NumCPU()
	}
	if l.RecvSize == 0 {
		l.RecvSize = bytesize.Size(maxDatagram)
	}
	if l.SORcvBuf == 0 {
		l.SORcvBuf = bytesize.Size(4 * bytesize.MB)
	}
	if l.SOSndBuf == 0 {
		l.SOSndBuf = bytesize.Size(bytesize.MB)
	}
	if l.Defrag.MaxSize == 0 {
		l.Defrag.MaxSize = bytesize.Size(64 * bytesize.MB)
	}
	if l.Defrag.ExpireTime == 0 {
		l.Defrag.ExpireTime = Duration(5 * time.Minute)
	}
	h := &l.DetectHoles
	if h.IDsPerPort == 0 {
		h.IDsPerPort = 200
	}
	if h.Ports == 0 {
		h.Ports = 10000
	}
	if h.MaximumHole == 0 {
		h.MaximumHole = 1000
	}
	if h.ExpireTime == 0 {
		h.ExpireTime = Duration(time.Hour)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.ShutdownTime < 0 {
		return fmt.Errorf("shutdown_time must not be negative")
	}
	if c.LogShipping.URL != "" && (c.LogShipping.BatchSize < 1 || c.LogShipping.FlushInterval <= 0) {
		return fmt.Errorf("log_shipping: batch_size and flush_interval must be positive")
	}
	if len(c.UDP.Listeners) == 0 && len(c.TCP.Listeners) == 0 {
		return fmt.Errorf("at least one udp or tcp listener is required")
	}
	for i := range c.UDP.Listeners {
		if err := c.UDP.Listeners[i].validate(); err != nil {
			return fmt.Errorf("udp.listeners[%d]: %w", i, err)
		}
	}
	for i, l := range c.TCP.Listeners {
		if err := validPort(l.Port); err != nil {
			return fmt.Errorf("tcp.listeners[%d]: %w", i, err)
		}
		if l.MaxLine <= 0 {
			return fmt.Errorf("tcp.listeners[%d]: max_line must be positive", i)
		}
	}

	if len(c.Handlers) == 0 {
		return fmt.Errorf("at least one handler is required")
	}
	tails := 0
	for i := range c.Handlers {
		h := &c.Handlers[i]
		if h.Type == HandlerTail {
			tails++
		}
		if err := h.validate(); err != nil {
			return fmt.Errorf("handlers[%d] (%s): %w", i, h.Type, err)
		}
	}
	if tails > 1 {
		return fmt.Errorf("at most one tail handler is allowed")
	}
	if tails == 1 && c.MetricsListen == "" {
		return fmt.Errorf("tail handler requires metrics_listen")
	}
	if c.Tracing.Enabled && c.MetricsListen == "" {
		return fmt.Errorf("tracing requires metrics_listen")
	}
	return nil
}

func (l *UDPListenerConfig) validate() error {
	if err := validPort(l.Port); err != nil {
		return err
	}
	if l.Threads < 1 {
		return fmt.Errorf("threads must be >= 1, got %d", l.Threads)
	}
	if l.RecvSize < 1 || l.RecvSize > maxDatagram {
		return fmt.Errorf("recv_size must be between 1 and %d", maxDatagram)
	}
	if l.SORcvBuf < 0 || l.SOSndBuf < 0 {
		return fmt.Errorf("socket buffers must not be negative")
	}
	if l.Defrag.MaxSize <= 0 {
		return fmt.Errorf("defrag.max_size must be positive")
	}
	if l.Defrag.ExpireTime <= 0 {
		return fmt.Errorf("defrag.expire_time must be positive")
	}
	if h := l.DetectHoles; h.Enabled {
		if h.IDsPerPort < 1 || h.Ports < 1 || h.MaximumHole < 1 {
			return fmt.Errorf("detect_holes: ids_per_port, ports and maximum_hole must be >= 1")
		}
		if h.ExpireTime <= 0 {
			return fmt.Errorf("detect_holes.expire_time must be positive")
		}
	}
	return nil
}

func (h *HandlerConfig) validate() error {
	switch h.Type {
	case HandlerConsole:
		if h.Target != "stdout" && h.Target != "stderr" {
			return fmt.Errorf("target must be stdout or stderr, got %q", h.Target)
		}
	case HandlerTruncate:
		if h.MaxLength < 1 {
			return fmt.Errorf("max_length must be >= 1")
		}
	case HandlerKafka:
		if len(h.Brokers) == 0 {
			return fmt.Errorf("brokers are required")
		}
		if h.DefaultTopic == "" {
			return fmt.Errorf("default_topic is required")
		}
		switch h.Compression {
		case "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return fmt.Errorf("unknown compression %q", h.Compression)
		}
		if h.EncryptionKey != "" {
			if _, err := h.AESKey(); err != nil {
				return err
			}
		}
	case HandlerLoki:
		if h.URL == "" {
			return fmt.Errorf("url is required")
		}
		if h.BatchSize < 1 {
			return fmt.Errorf("batch_size must be >= 1")
		}
		if h.FlushInterval <= 0 {
			return fmt.Errorf("flush_interval must be positive")
		}
	case HandlerTail:
		if h.BufferSize < 1 {
			return fmt.Errorf("buffer_size must be >= 1")
		}
	case HandlerEater:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown handler type")
	}
	return nil
}

// AESKey decodes the hex encryption key. A nil key means no encryption.
func (k *KafkaConfig) AESKey() ([]byte, error) {
	if k.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(k.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("encryption_key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("encryption_key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.Handlers = make([]HandlerConfig, len(c.Handlers))
	copy(redacted.Handlers, c.Handlers)
	for i := range redacted.Handlers {
		if redacted.Handlers[i].EncryptionKey != "" {
			redacted.Handlers[i].EncryptionKey = "REDACTED"
		}
	}
	return yaml.Marshal(&redacted)
}

func validPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// Package config loads daemon configuration for the storage, proxy,
// and archive daemons.
//
// Sources in order of precedence: CLI flags (bound by the commands),
// environment variables (BLOCKCDP_*), a YAML configuration file, and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the static daemon configuration. Per-volume state is
// persisted in the base directory, not here.
type Config struct {
	// NodeID identifies this daemon on the wire protocol.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// BaseDir is the root of the per-volume directories.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// Listen is the bind address, host:port.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// Logging controls log output.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Socket controls connection timeouts and TCP keepalive.
	Socket SocketConfig `mapstructure:"socket" yaml:"socket"`

	// MaxConnections bounds concurrently served connections.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`

	// MaxLbPerSec caps bulk transfer throughput in logical blocks
	// per second. Zero disables the cap.
	MaxLbPerSec uint64 `mapstructure:"max_lb_per_sec" yaml:"max_lb_per_sec"`

	// MetricsListen exposes prometheus metrics when non-empty.
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"`

	// Proxy holds proxy-daemon specific settings.
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// Storage holds storage-daemon specific settings.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// LoggingConfig mirrors internal/logger.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// SocketConfig controls connection behavior. When keepalive is
// enabled, the read/write timeouts are disabled.
type SocketConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	KeepAlive      bool          `mapstructure:"keepalive" yaml:"keepalive"`
	KeepAliveIdle  time.Duration `mapstructure:"keepalive_idle" yaml:"keepalive_idle"`
	KeepAliveIntvl time.Duration `mapstructure:"keepalive_intvl" yaml:"keepalive_intvl"`
	KeepAliveCount int           `mapstructure:"keepalive_cnt" yaml:"keepalive_cnt"`
}

// ProxyConfig holds settings only the proxy daemon reads.
type ProxyConfig struct {
	// SendInterval is the scheduler period for wdiff transfer.
	SendInterval time.Duration `mapstructure:"send_interval" yaml:"send_interval"`

	// RetryInterval delays resend after a failed transfer.
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// StorageConfig holds settings only the storage daemon reads.
type StorageConfig struct {
	// Archive is the address of the archive this storage backs up to.
	Archive string `mapstructure:"archive" yaml:"archive"`

	// Proxies are the addresses receiving the wlog stream.
	Proxies []string `mapstructure:"proxies" yaml:"proxies"`

	// BulkLb is the default full-sync chunk size in logical blocks.
	BulkLb uint64 `mapstructure:"bulk_lb" yaml:"bulk_lb"`
}

// Default returns the built-in defaults for one daemon kind.
func Default(nodeID string, port int) Config {
	return Config{
		NodeID:         nodeID,
		BaseDir:        "/var/lib/blockcdp",
		Listen:         fmt.Sprintf("0.0.0.0:%d", port),
		MaxConnections: 64,
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Socket: SocketConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			KeepAliveIdle:  60 * time.Second,
			KeepAliveIntvl: 10 * time.Second,
			KeepAliveCount: 10,
		},
		Proxy: ProxyConfig{
			SendInterval:  time.Second,
			RetryInterval: 20 * time.Second,
		},
		Storage: StorageConfig{
			BulkLb: 64,
		},
	}
}

// Load reads the configuration using v (already bound to flags by the
// command) merged over the defaults. path may be empty.
func Load(v *viper.Viper, path string, defaults Config) (Config, error) {
	v.SetEnvPrefix("BLOCKCDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("max_lb_per_sec", d.MaxLbPerSec)
	v.SetDefault("metrics_listen", d.MetricsListen)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("socket.connect_timeout", d.Socket.ConnectTimeout)
	v.SetDefault("socket.read_timeout", d.Socket.ReadTimeout)
	v.SetDefault("socket.write_timeout", d.Socket.WriteTimeout)
	v.SetDefault("socket.keepalive", d.Socket.KeepAlive)
	v.SetDefault("socket.keepalive_idle", d.Socket.KeepAliveIdle)
	v.SetDefault("socket.keepalive_intvl", d.Socket.KeepAliveIntvl)
	v.SetDefault("socket.keepalive_cnt", d.Socket.KeepAliveCount)
	v.SetDefault("proxy.send_interval", d.Proxy.SendInterval)
	v.SetDefault("proxy.retry_interval", d.Proxy.RetryInterval)
	v.SetDefault("storage.archive", d.Storage.Archive)
	v.SetDefault("storage.proxies", d.Storage.Proxies)
	v.SetDefault("storage.bulk_lb", d.Storage.BulkLb)
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id must not be empty")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("config: base_dir must not be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen must not be empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	if c.Socket.KeepAlive && c.Socket.KeepAliveCount <= 0 {
		return fmt.Errorf("config: keepalive_cnt must be positive when keepalive is on")
	}
	return nil
}

// YAML renders the effective configuration, for `config show`.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}

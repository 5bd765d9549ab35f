// Package config loads wpdfu settings from a config file, WPDFU_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportBlueZ  = "bluez"
	TransportSerial = "serial"
)

// EnvPrefix prefixes environment overrides, e.g. WPDFU_DFU_CHUNK_SIZE.
const EnvPrefix = "WPDFU"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all wpdfu configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Connect   ConnectConfig   `mapstructure:"connect"`
	DFU       DFUConfig       `mapstructure:"dfu"`
	Migration MigrationConfig `mapstructure:"migration"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	API       APIConfig       `mapstructure:"api"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TransportConfig selects and configures the GATT link.
type TransportConfig struct {
	Kind        string        `mapstructure:"kind"`
	Adapter     string        `mapstructure:"adapter"`
	Address     string        `mapstructure:"address"`
	NamePrefix  string        `mapstructure:"name_prefix"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	Serial      SerialConfig  `mapstructure:"serial"`
}

type SerialConfig struct {
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type ConnectConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	ReconnectAttempts uint          `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
}

type DFUConfig struct {
	ChunkSize int           `mapstructure:"chunk_size"`
	Wait      time.Duration `mapstructure:"wait"`
	Reliable  bool          `mapstructure:"reliable"`
}

type MigrationConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	UseTLS      bool   `mapstructure:"use_tls"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load reads configuration. An explicit path must exist; otherwise
// wpdfu.yaml is searched in the working directory, $HOME/.config/wpdfu and
// /etc/wpdfu, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wpdfu")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "wpdfu"))
		}
		v.AddConfigPath("/etc/wpdfu")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key, which also makes each one
// overridable from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("transport.kind", TransportBlueZ)
	v.SetDefault("transport.adapter", "hci0")
	v.SetDefault("transport.address", "")
	v.SetDefault("transport.name_prefix", "WavePhoenix")
	v.SetDefault("transport.scan_timeout", "5s")
	v.SetDefault("transport.serial.port", "")
	v.SetDefault("transport.serial.baud_rate", 115200)
	v.SetDefault("transport.serial.response_timeout", "5s")

	v.SetDefault("connect.timeout", "15s")
	v.SetDefault("connect.discovery_timeout", "10s")
	v.SetDefault("connect.reconnect_attempts", 15)
	v.SetDefault("connect.reconnect_delay", "1s")
	v.SetDefault("connect.reconnect_wait", "10s")

	v.SetDefault("dfu.chunk_size", 64)
	v.SetDefault("dfu.wait", "10ms")
	v.SetDefault("dfu.reliable", false)

	v.SetDefault("migration.attempts", 3)
	v.SetDefault("migration.backoff", "1s")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.use_tls", false)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "wavephoenix")

	v.SetDefault("api.listen", "127.0.0.1:8405")
}

// Validate checks values that the components cannot default themselves.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalid, c.Log.Format)
	}
	switch c.Transport.Kind {
	case TransportBlueZ, TransportSerial:
	default:
		return fmt.Errorf("%w: transport.kind %q (want bluez or serial)", ErrInvalid, c.Transport.Kind)
	}
	if c.DFU.ChunkSize <= 0 {
		return fmt.Errorf("%w: dfu.chunk_size must be positive, got %d", ErrInvalid, c.DFU.ChunkSize)
	}
	if c.DFU.Wait <= 0 {
		return fmt.Errorf("%w: dfu.wait must be positive, got %s", ErrInvalid, c.DFU.Wait)
	}
	if c.Migration.Attempts == 0 {
		return fmt.Errorf("%w: migration.attempts must be positive", ErrInvalid)
	}
	if c.Connect.ReconnectAttempts == 0 {
		return fmt.Errorf("%w: connect.reconnect_attempts must be positive", ErrInvalid)
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return level, nil
}

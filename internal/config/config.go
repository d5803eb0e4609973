// Package config loads the bridge's settings via Viper: defaults, an
// optional config file, and environment variable overrides, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every tunable named in §6, plus the ambient diagnostics
// settings (metrics address, log level) needed to run the bridge as a service.
type Settings struct {
	TCPPort            int           `mapstructure:"tcp_port"`
	MaxClients         int           `mapstructure:"max_clients"`
	ClientIdleTimeout  time.Duration `mapstructure:"client_idle_timeout"`
	DongleSerial       string        `mapstructure:"dongle_serial"`
	ResponseTimeout    time.Duration `mapstructure:"response_timeout"`
	InterFrameGap      time.Duration `mapstructure:"inter_frame_gap"`
	ProbeBackoffBase   time.Duration `mapstructure:"probe_backoff_base"`
	ProbeBackoffMax    time.Duration `mapstructure:"probe_backoff_max"`
	ProbeStartRegister uint16        `mapstructure:"probe_start_register"`
	CacheMaxEntries    int           `mapstructure:"cache_max_entries"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`

	SerialDevice string `mapstructure:"serial_device"`
	SerialBaud   int    `mapstructure:"serial_baud"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// EnvPrefix is prepended to every environment variable override, e.g.
// INVBRIDGE_TCP_PORT.
const EnvPrefix = "INVBRIDGE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp_port", 8899)
	v.SetDefault("max_clients", 5)
	v.SetDefault("client_idle_timeout", 5*time.Minute)
	v.SetDefault("dongle_serial", "0000000000")
	v.SetDefault("response_timeout", time.Second)
	v.SetDefault("inter_frame_gap", 50*time.Millisecond)
	v.SetDefault("probe_backoff_base", 5*time.Second)
	v.SetDefault("probe_backoff_max", 5*time.Minute)
	v.SetDefault("probe_start_register", 0)
	v.SetDefault("cache_max_entries", 256)
	v.SetDefault("cache_ttl", 10*time.Minute)
	v.SetDefault("request_timeout", 2*time.Second)
	v.SetDefault("serial_device", "/dev/ttyUSB0")
	v.SetDefault("serial_baud", 9600)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
}

// Load builds a *Settings from defaults, an optional config file at path
// (skipped if path is ""), and INVBRIDGE_-prefixed environment variables,
// in that order of increasing precedence.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the invariants the rest of the bridge assumes hold.
func (s *Settings) Validate() error {
	if s.TCPPort <= 0 || s.TCPPort > 65535 {
		return fmt.Errorf("config: tcp_port %d out of range", s.TCPPort)
	}
	if s.MaxClients < 1 {
		return fmt.Errorf("config: max_clients must be >= 1")
	}
	if len(s.DongleSerial) == 0 || len(s.DongleSerial) > 10 {
		return fmt.Errorf("config: dongle_serial must be 1-10 ASCII characters")
	}
	if s.CacheMaxEntries < 1 {
		return fmt.Errorf("config: cache_max_entries must be >= 1")
	}
	if s.ProbeBackoffMax < s.ProbeBackoffBase {
		return fmt.Errorf("config: probe_backoff_max must be >= probe_backoff_base")
	}
	return nil
}

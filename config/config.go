package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"barcodegate/serial"
)

// Config is the root configuration structure
type Config struct {
	App        AppConfig        `json:"app"`
	Channels   ChannelsConfig   `json:"channels"`
	Serial     SerialConfig     `json:"serial"`
	Store      StoreConfig      `json:"store"`
	NATS       NATSConfig       `json:"nats"`
	Forwarder  ForwarderConfig  `json:"forwarder"`
	Logging    LoggingConfig    `json:"logging"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"` // Names this gate in log files and NATS subjects
}

// ChannelsConfig holds the ports bound at startup. An empty value leaves
// the role unbound. The running service rewrites these on Select/Clear.
type ChannelsConfig struct {
	Entry string `json:"entry"` // e.g., "/dev/ttyUSB0", "COM5"
	Exit  string `json:"exit"`
}

// SerialConfig contains line settings shared by both channels
type SerialConfig struct {
	BaudRate      int     `json:"baud_rate"`
	DataBits      int     `json:"data_bits"`
	Parity        string  `json:"parity"`    // none, odd, even, mark, space
	StopBits      float64 `json:"stop_bits"` // 1, 1.5, 2
	ReadTimeoutMs int     `json:"read_timeout_ms"`
}

// StoreConfig bounds the in-memory record store and listener teardown
type StoreConfig struct {
	MaxRecordsPerRole int `json:"max_records_per_role"`
	StopTimeoutMs     int `json:"stop_timeout_ms"`
}

// NATSConfig contains NATS connection settings. Publishing is off unless
// Enabled is set.
type NATSConfig struct {
	Enabled           bool   `json:"enabled"`
	URL               string `json:"url"`
	SubjectPrefix     string `json:"subject_prefix"`
	MaxReconnects     int    `json:"max_reconnects"`
	HealthIntervalSec int    `json:"health_interval_sec"`
}

// ForwarderConfig configures store-and-forward of scan records from a
// JetStream stream on the local NATS server to a remote NATS server.
// Requires NATS to be enabled.
type ForwarderConfig struct {
	Enabled       bool   `json:"enabled"`
	Stream        string `json:"stream"` // Local stream capturing <subject_prefix>.records.>
	RemoteURL     string `json:"remote_url"`
	RemoteSubject string `json:"remote_subject"` // Empty keeps the local subject
	RemoteCreds   string `json:"remote_creds"`   // Optional .creds file
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path"`   // Empty logs to stdout
	MaxSizeMB  int    `json:"max_size_mb"` // Max size before rotation
	MaxBackups int    `json:"max_backups"` // Max number of old log files
	Compress   bool   `json:"compress"`    // Compress rotated logs
	Level      string `json:"level"`       // Log level: debug, info, warn, error
	RecordLog  bool   `json:"record_log"`  // Write per-role scan logs under BasePath
}

// MonitoringConfig contains HTTP control and monitoring server settings
type MonitoringConfig struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Username string `json:"username"` // Empty disables basic auth
	Password string `json:"password"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{
		Monitoring: MonitoringConfig{Enabled: true},
	}
	cfg.setDefaults()
	return cfg
}

// Save writes the configuration to path atomically
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// setDefaults fills in default values for optional fields
func (c *Config) setDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "barcodegate"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	// Serial defaults: 9600 8-N-1
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = serial.DefaultBaudRate
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "none"
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Serial.ReadTimeoutMs == 0 {
		c.Serial.ReadTimeoutMs = int(serial.DefaultReadTimeout / time.Millisecond)
	}

	// Store defaults
	if c.Store.MaxRecordsPerRole == 0 {
		c.Store.MaxRecordsPerRole = 1000
	}
	if c.Store.StopTimeoutMs == 0 {
		c.Store.StopTimeoutMs = 2000
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "barcodegate"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.HealthIntervalSec == 0 {
		c.NATS.HealthIntervalSec = 60
	}

	// Forwarder defaults
	if c.Forwarder.Stream == "" {
		c.Forwarder.Stream = "BARCODES"
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Monitoring defaults
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 8080
	}
}

// ToSerial converts the line settings for the serial package
func (s *SerialConfig) ToSerial() serial.Config {
	return serial.Config{
		BaudRate:    s.BaudRate,
		DataBits:    s.DataBits,
		Parity:      s.Parity,
		StopBits:    s.StopBits,
		ReadTimeout: s.ReadTimeout(),
	}
}

// Helper methods for time conversions
func (s *SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

func (s *StoreConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutMs) * time.Millisecond
}

func (n *NATSConfig) HealthInterval() time.Duration {
	return time.Duration(n.HealthIntervalSec) * time.Second
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// Valid baud rates
	validBaudRates = map[int]bool{
		300:    true,
		1200:   true,
		2400:   true,
		4800:   true,
		9600:   true,
		19200:  true,
		38400:  true,
		57600:  true,
		115200: true,
	}

	validParities = map[string]bool{
		"none":  true,
		"odd":   true,
		"even":  true,
		"mark":  true,
		"space": true,
	}

	validStopBits = map[float64]bool{
		1:   true,
		1.5: true,
		2:   true,
	}

	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	// Instance IDs become file names and NATS subject tokens
	instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// JetStream stream names may not contain '.', '*', '>' or whitespace
	streamNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateChannels(); err != nil {
		return fmt.Errorf("channels config: %w", err)
	}

	if err := c.validateSerial(); err != nil {
		return fmt.Errorf("serial config: %w", err)
	}

	if err := c.validateStore(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateForwarder(); err != nil {
		return fmt.Errorf("forwarder config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if !instanceIDPattern.MatchString(c.App.InstanceID) {
		return fmt.Errorf("instance_id may only contain letters, digits, '-' and '_', got: %s", c.App.InstanceID)
	}

	return nil
}

func (c *Config) validateChannels() error {
	entry := strings.TrimSpace(c.Channels.Entry)
	exit := strings.TrimSpace(c.Channels.Exit)

	if entry != "" && entry == exit {
		return fmt.Errorf("entry and exit cannot share device %s", entry)
	}

	return nil
}

func (c *Config) validateSerial() error {
	if !validBaudRates[c.Serial.BaudRate] {
		return fmt.Errorf("invalid baud_rate %d, must be one of: 300, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200",
			c.Serial.BaudRate)
	}

	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("data_bits must be between 5 and 8, got: %d", c.Serial.DataBits)
	}

	if !validParities[strings.ToLower(c.Serial.Parity)] {
		return fmt.Errorf("invalid parity %s, must be one of: none, odd, even, mark, space", c.Serial.Parity)
	}

	if !validStopBits[c.Serial.StopBits] {
		return fmt.Errorf("invalid stop_bits %v, must be one of: 1, 1.5, 2", c.Serial.StopBits)
	}

	if c.Serial.ReadTimeoutMs <= 0 {
		return fmt.Errorf("read_timeout_ms must be positive, got: %d", c.Serial.ReadTimeoutMs)
	}

	return nil
}

func (c *Config) validateStore() error {
	if c.Store.MaxRecordsPerRole <= 0 {
		return fmt.Errorf("max_records_per_role must be positive, got: %d", c.Store.MaxRecordsPerRole)
	}

	if c.Store.StopTimeoutMs <= 0 {
		return fmt.Errorf("stop_timeout_ms must be positive, got: %d", c.Store.StopTimeoutMs)
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("url is required")
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("url must start with nats:// or tls://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.HealthIntervalSec <= 0 {
		return fmt.Errorf("health_interval_sec must be positive, got: %d", c.NATS.HealthIntervalSec)
	}

	return nil
}

func (c *Config) validateForwarder() error {
	if !c.Forwarder.Enabled {
		return nil
	}

	if !c.NATS.Enabled {
		return fmt.Errorf("forwarder requires nats to be enabled")
	}

	if !streamNamePattern.MatchString(c.Forwarder.Stream) {
		return fmt.Errorf("invalid stream name %q", c.Forwarder.Stream)
	}

	if !strings.HasPrefix(c.Forwarder.RemoteURL, "nats://") && !strings.HasPrefix(c.Forwarder.RemoteURL, "tls://") {
		return fmt.Errorf("remote_url must start with nats:// or tls://, got: %q", c.Forwarder.RemoteURL)
	}

	if strings.ContainsAny(c.Forwarder.RemoteSubject, " *>") {
		return fmt.Errorf("remote_subject must be a literal subject, got: %s", c.Forwarder.RemoteSubject)
	}

	if c.Forwarder.RemoteCreds != "" {
		if _, err := os.Stat(c.Forwarder.RemoteCreds); err != nil {
			return fmt.Errorf("remote_creds: %w", err)
		}
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.RecordLog && c.Logging.BasePath == "" {
		return fmt.Errorf("record_log requires base_path")
	}

	// Check if base path exists or can be created
	if c.Logging.BasePath != "" {
		if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
			if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
				return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
			}
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Monitoring.Port)
	}

	if c.Monitoring.Username != "" && c.Monitoring.Password == "" {
		return fmt.Errorf("password is required when username is set")
	}

	return nil
}

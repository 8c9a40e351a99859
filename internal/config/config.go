package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for aranet.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	Devices    []DeviceConfig   `toml:"devices"`
	Sync       SyncConfig       `toml:"sync"`
	Transport  TransportConfig  `toml:"transport"`
	Database   DatabaseConfig   `toml:"database"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// DeviceConfig names one sensor to sync. Address wins over Name when both
// are set; Type overrides detection from the advertised name.
type DeviceConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address,omitempty"`
	Type    string `toml:"type,omitempty"` // "aranet4", "aranet2", "radon" or "radiation"
}

// SyncConfig tunes history downloads.
type SyncConfig struct {
	ReadDelayMS    int  `toml:"read_delay_ms"`   // pause between history reads; 0 uses the protocol default
	TimeoutSeconds int  `toml:"timeout_seconds"` // per-device connect and download bound; 0 uses 30
	MaxConcurrent  int  `toml:"max_concurrent"`  // devices synced at once; 0 syncs them one at a time
	AdaptiveDelay  bool `toml:"adaptive_delay"`  // derive the read delay from signal strength
	RecordCurrent  bool `toml:"record_current"`  // also store the live reading on every sync

	// Protocol is "v2" (default), or "v1" for firmware that only streams
	// history as notifications.
	Protocol string `toml:"protocol,omitempty"`
}

// ReadDelay returns the configured read delay, or 0 when unset.
func (s SyncConfig) ReadDelay() time.Duration {
	return time.Duration(s.ReadDelayMS) * time.Millisecond
}

// Timeout returns the configured per-device timeout, or 0 when unset.
func (s SyncConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// TransportConfig selects how devices are reached.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type string `toml:"type"` // "ble" (default) or "mock"

	// BLE-specific fields (only used when Type == "ble")
	ScanTimeoutSeconds int `toml:"scan_timeout_seconds,omitempty"`

	// Mock-specific fields (only used when Type == "mock")
	MockSamples int `toml:"mock_samples,omitempty"` // history records each simulated device starts with
}

// DatabaseConfig represents configuration for the history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MQTTConfig enables publishing the newest values after each sync.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker,omitempty"` // e.g. "tcp://localhost:1883"
	ClientID    string `toml:"client_id,omitempty"`
	Username    string `toml:"username,omitempty"`
	Password    string `toml:"password,omitempty"`
	TopicPrefix string `toml:"topic_prefix,omitempty"` // defaults to "aranet"
	QoS         byte   `toml:"qos,omitempty"`
	Retain      bool   `toml:"retain,omitempty"`
}

// VaultConfig represents configuration for a snapshot vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`

	// Endpoint and static keys for S3-compatible stores; empty uses AWS
	// defaults and the standard credential chain.
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for snapshots.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:   hostID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Sync: SyncConfig{
			ReadDelayMS:    50,
			TimeoutSeconds: 30,
			MaxConcurrent:  1,
		},
		Transport: TransportConfig{Type: "ble", ScanTimeoutSeconds: 15},
		Database:  DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		MQTT:      MQTTConfig{TopicPrefix: "aranet"},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "aranet.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "aranet.key"),
		},
	}
}

// Validate reports the first inconsistency that would make the config
// unusable.
func (c *Config) Validate() error {
	for i, d := range c.Devices {
		if d.Name == "" && d.Address == "" {
			return fmt.Errorf("devices[%d]: name or address required", i)
		}
	}
	if c.Sync.ReadDelayMS < 0 || c.Sync.TimeoutSeconds < 0 || c.Sync.MaxConcurrent < 0 {
		return fmt.Errorf("sync: values must not be negative")
	}
	switch c.Sync.Protocol {
	case "", "v1", "v2":
	default:
		return fmt.Errorf("sync: unknown protocol %q (want v1 or v2)", c.Sync.Protocol)
	}
	switch c.Transport.Type {
	case "", "ble", "mock":
	default:
		return fmt.Errorf("unknown transport type: %s", c.Transport.Type)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker required when enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file can hold an MQTT password.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Package config loads and persists the local device settings kept in
// config.json inside the application data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	AppDirectoryName = "directshare"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "DIRECTSHARE_DATA_DIR"

	// PortModeAutomatic lets the OS pick the listening port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed listens on ListeningPort.
	PortModeFixed        = "fixed"
	DefaultListeningPort = 47820

	DefaultChunkSize                = 64 * 1024
	DefaultChunkDelayMillis         = 10
	DefaultPeerExpirationSeconds    = 60
	DefaultConnectionTimeoutSeconds = 30
	DefaultStallTimeoutSeconds      = 120

	// MaxChunkSize keeps chunk frames well under the transport frame limit.
	MaxChunkSize = 4 << 20

	configFileName = "config.json"
	databaseName   = "directshare.db"
	receiveDirName = "received"
	fallbackName   = "DirectShare Device"
)

// AppVersion is advertised to peers alongside device metadata.
var AppVersion = "1.0.0"

// ErrUnknownKey is returned by Set for a key it does not manage.
var ErrUnknownKey = errors.New("config: unknown key")

// DeviceConfig holds the persisted settings of this device.
type DeviceConfig struct {
	DeviceID                 string `json:"device_id"`
	DeviceName               string `json:"device_name"`
	DeviceModel              string `json:"device_model"`
	PortMode                 string `json:"port_mode"`
	ListeningPort            int    `json:"listening_port"`
	ReceiveDir               string `json:"receive_dir"`
	ChunkSize                int    `json:"chunk_size"`
	ChunkDelayMillis         int    `json:"chunk_delay_ms"`
	PeerExpirationSeconds    int    `json:"peer_expiration_seconds"`
	ConnectionTimeoutSeconds int    `json:"connection_timeout_seconds"`
	StallTimeoutSeconds      int    `json:"stall_timeout_seconds"`
	AutoAccept               bool   `json:"auto_accept"`
}

func (c *DeviceConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMillis) * time.Millisecond
}

// PeerExpiration is how long a silent discovered peer stays listed.
func (c *DeviceConfig) PeerExpiration() time.Duration {
	return time.Duration(c.PeerExpirationSeconds) * time.Second
}

func (c *DeviceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// StallTimeout is the inactivity window after which a transfer fails.
func (c *DeviceConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// Set changes one setting by its JSON key, validating the value first.
func (c *DeviceConfig) Set(key, value string) error {
	setInt := func(dst *int, lo, hi int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		if n < lo || n > hi {
			return fmt.Errorf("config: %s must be within [%d, %d], got %d", key, lo, hi, n)
		}
		*dst = n
		return nil
	}

	switch key {
	case "device_name":
		if value == "" {
			return fmt.Errorf("config: device_name cannot be empty")
		}
		c.DeviceName = value
	case "receive_dir":
		c.ReceiveDir = value
	case "port_mode":
		if value != PortModeAutomatic && value != PortModeFixed {
			return fmt.Errorf("config: port_mode must be %s or %s", PortModeAutomatic, PortModeFixed)
		}
		c.PortMode = value
	case "listening_port":
		return setInt(&c.ListeningPort, 0, 65535)
	case "chunk_size":
		return setInt(&c.ChunkSize, 1, MaxChunkSize)
	case "chunk_delay_ms":
		return setInt(&c.ChunkDelayMillis, 0, 60_000)
	case "auto_accept":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: auto_accept: %w", err)
		}
		c.AutoAccept = b
	default:
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	return nil
}

// ResolveDataDir returns DIRECTSHARE_DATA_DIR when set, otherwise the
// per-user configuration directory of the OS.
func ResolveDataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the SQLite history path for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseName)
}

// EnsureDataDirectories creates dataDir and its receive directory.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, receiveDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads config.json at path.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(DeviceConfig)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path through a temporary file so a crash never leaves
// a truncated config behind.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

// LoadOrCreate is LoadOrCreateIn for the resolved data directory.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn loads the config in dataDir, creating the directory
// layout and a fresh config on first run. Missing or invalid values are
// filled with defaults and written back.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &DeviceConfig{ChunkDelayMillis: DefaultChunkDelayMillis}
		normalizeDefaults(cfg, dataDir)
	case err != nil:
		return nil, "", fmt.Errorf("config: read %s: %w", path, err)
	case !normalizeDefaults(cfg, dataDir):
		return cfg, path, nil
	}

	if err := Save(path, cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// normalizeDefaults fills unset or out-of-range values and reports whether
// anything changed. A config without a port mode but with a port is
// treated as fixed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	before := *cfg

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = fallbackName
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.DeviceName = host
		}
	}
	if cfg.DeviceModel == "" {
		cfg.DeviceModel = runtime.GOOS + "/" + runtime.GOARCH
	}

	switch cfg.PortMode {
	case PortModeAutomatic, PortModeFixed:
	default:
		cfg.PortMode = PortModeAutomatic
		if cfg.ListeningPort > 0 {
			cfg.PortMode = PortModeFixed
		}
	}
	switch {
	case cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0:
		cfg.ListeningPort = DefaultListeningPort
	case cfg.ListeningPort < 0:
		cfg.ListeningPort = 0
	}

	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = filepath.Join(dataDir, receiveDirName)
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkDelayMillis < 0 {
		cfg.ChunkDelayMillis = DefaultChunkDelayMillis
	}
	if cfg.PeerExpirationSeconds <= 0 {
		cfg.PeerExpirationSeconds = DefaultPeerExpirationSeconds
	}
	if cfg.ConnectionTimeoutSeconds <= 0 {
		cfg.ConnectionTimeoutSeconds = DefaultConnectionTimeoutSeconds
	}
	if cfg.StallTimeoutSeconds <= 0 {
		cfg.StallTimeoutSeconds = DefaultStallTimeoutSeconds
	}

	return *cfg != before
}

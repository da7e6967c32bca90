package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "directlink"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// DefaultConnectTimeoutSeconds bounds dial plus handshake.
	DefaultConnectTimeoutSeconds = 20
	// DefaultHistoryWindow is the number of messages a host replays to a new member.
	DefaultHistoryWindow = 300
	// DefaultControlAddress is where the local control surface listens.
	DefaultControlAddress = "127.0.0.1:7780"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DIRECTLINK"
	// DataDirEnv overrides the data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	envFileName    = ".env"
	filesDirName   = "files"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string            `json:"device_id" validate:"required"`
	DeviceName            string            `json:"device_name" validate:"required,max=64"`
	ColorARGB             int64             `json:"color_argb"`
	PortMode              string            `json:"port_mode" validate:"oneof=automatic fixed"`
	ListeningPort         int               `json:"listening_port" validate:"min=0,max=65535"`
	ConnectTimeoutSeconds int               `json:"connect_timeout_seconds" validate:"min=1,max=300"`
	HistoryWindow         int               `json:"history_window" validate:"min=1,max=10000"`
	ControlAddress        string            `json:"control_address" validate:"omitempty,hostname_port"`
	DiscoveryEnabled      bool              `json:"discovery_enabled"`
	PairedPeers           []string          `json:"paired_peers,omitempty" validate:"dive,required"`
	StaticPeers           map[string]string `json:"static_peers,omitempty" validate:"dive,keys,required,endkeys,hostname_port"`
}

// ConnectTimeout returns the connect bound as a duration.
func (c *DeviceConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ListenAddress returns the TCP address the connection manager listens on.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// Overrides are runtime settings read from the environment, e.g.
// DIRECTLINK_LISTEN_PORT. They are applied on top of the persisted config and
// never written back.
type Overrides struct {
	DeviceName     *string        `envconfig:"DEVICE_NAME" validate:"omitempty,min=1,max=64"`
	ListenPort     *int           `envconfig:"LISTEN_PORT" validate:"omitempty,min=1,max=65535"`
	ConnectTimeout *time.Duration `envconfig:"CONNECT_TIMEOUT" validate:"omitempty,min=1s"`
	HistoryWindow  *int           `envconfig:"HISTORY_WINDOW" validate:"omitempty,min=1,max=10000"`
	ControlAddress *string        `envconfig:"CONTROL_ADDRESS"`
	Discovery      *bool          `envconfig:"DISCOVERY"`
}

var validate = validator.New()

// ResolveDataDir returns the OS-aware app data directory.
//
// If DIRECTLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, filesDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save validates, marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate checks the field constraints of cfg.
func Validate(cfg *DeviceConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// LoadRuntime returns the persisted config with .env and environment overrides
// applied, plus the data directory and config path. The returned config is
// for this process only; persist changes with UpdatePairedPeers or Save on a
// freshly loaded copy.
func LoadRuntime() (*DeviceConfig, string, string, error) {
	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		return nil, "", "", err
	}
	dataDir := filepath.Dir(cfgPath)
	if err := LoadEnvFiles(dataDir); err != nil {
		return nil, "", "", err
	}
	overrides, err := ReadOverrides()
	if err != nil {
		return nil, "", "", err
	}
	overrides.Apply(cfg)
	if err := Validate(cfg); err != nil {
		return nil, "", "", err
	}
	return cfg, dataDir, cfgPath, nil
}

// LoadEnvFiles loads .env from the working directory and then from dataDir.
// Variables already present in the environment win; missing files are fine.
func LoadEnvFiles(dataDir string) error {
	for _, path := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ReadOverrides reads the DIRECTLINK_* environment overrides.
func ReadOverrides() (Overrides, error) {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return Overrides{}, fmt.Errorf("read environment: %w", err)
	}
	if err := validate.Struct(o); err != nil {
		return Overrides{}, fmt.Errorf("invalid environment: %w", err)
	}
	return o, nil
}

// Apply copies every set override into cfg.
func (o Overrides) Apply(cfg *DeviceConfig) {
	if o.DeviceName != nil {
		cfg.DeviceName = *o.DeviceName
	}
	if o.ListenPort != nil {
		cfg.PortMode = PortModeFixed
		cfg.ListeningPort = *o.ListenPort
	}
	if o.ConnectTimeout != nil {
		cfg.ConnectTimeoutSeconds = max(1, int(o.ConnectTimeout.Round(time.Second)/time.Second))
	}
	if o.HistoryWindow != nil {
		cfg.HistoryWindow = *o.HistoryWindow
	}
	if o.ControlAddress != nil {
		cfg.ControlAddress = *o.ControlAddress
	}
	if o.Discovery != nil {
		cfg.DiscoveryEnabled = *o.Discovery
	}
}

// UpdatePairedPeers rewrites the persisted paired list without touching any
// other setting.
func UpdatePairedPeers(path string, peers []string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	cfg.PairedPeers = append([]string(nil), peers...)
	return Save(path, cfg)
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:              uuid.NewString(),
		DeviceName:            defaultDeviceName(),
		ColorARGB:             randomColor(),
		PortMode:              PortModeAutomatic,
		ListeningPort:         0,
		ConnectTimeoutSeconds: DefaultConnectTimeoutSeconds,
		HistoryWindow:         DefaultHistoryWindow,
		ControlAddress:        DefaultControlAddress,
		DiscoveryEnabled:      true,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "DirectLink Device"
}

// randomColor returns an opaque ARGB colour.
func randomColor() int64 {
	return 0xFF000000 | rand.Int63n(0x1000000)
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ColorARGB == 0 {
		cfg.ColorARGB = randomColor()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		updated = true
	}

	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

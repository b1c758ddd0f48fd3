package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. XDRAG_DRAG_MOTIF_ENABLED
const EnvPrefix = "XDRAG"

// MaxXdndVersion is the newest XDND version the engine speaks
const MaxXdndVersion = 5

// CursorConfig names the core cursor glyphs shown during a drag
type CursorConfig struct {
	Drag   string `json:"drag" yaml:"drag" mapstructure:"drag"`
	Accept string `json:"accept" yaml:"accept" mapstructure:"accept"`
	Deny   string `json:"deny" yaml:"deny" mapstructure:"deny"`
}

// DragConfig holds the drag engine settings
type DragConfig struct {
	// XdndVersion is the highest version offered to XDND targets
	XdndVersion int `json:"xdnd_version" yaml:"xdnd_version" mapstructure:"xdnd_version"`
	// UseToplevels enables the toplevel directory for hit testing
	UseToplevels    bool `json:"use_toplevels" yaml:"use_toplevels" mapstructure:"use_toplevels"`
	MotifEnabled    bool `json:"motif_enabled" yaml:"motif_enabled" mapstructure:"motif_enabled"`
	FallbackEnabled bool `json:"fallback_enabled" yaml:"fallback_enabled" mapstructure:"fallback_enabled"`
	ProbeCompositor bool `json:"probe_compositor" yaml:"probe_compositor" mapstructure:"probe_compositor"`
	// FinishTimeout bounds the wait for a final acknowledgement, "0s" waits forever
	FinishTimeout string       `json:"finish_timeout" yaml:"finish_timeout" mapstructure:"finish_timeout"`
	ReturnFrame   bool         `json:"return_frame" yaml:"return_frame" mapstructure:"return_frame"`
	Cursors       CursorConfig `json:"cursors" yaml:"cursors" mapstructure:"cursors"`
}

// FinishTimeoutDuration parses FinishTimeout; invalid values mean no timeout
func (d DragConfig) FinishTimeoutDuration() time.Duration {
	if d.FinishTimeout == "" {
		return 0
	}
	t, err := time.ParseDuration(d.FinishTimeout)
	if err != nil || t < 0 {
		return 0
	}
	return t
}

// Config represents the application configuration
type Config struct {
	// Display is the X display to connect to, empty means $DISPLAY
	Display    string     `json:"display" yaml:"display" mapstructure:"display"`
	ServerPort int        `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string     `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	Drag       DragConfig `json:"drag" yaml:"drag" mapstructure:"drag"`
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if c.LogLevel != "" && !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (use: trace, debug, info, warn, error)", c.LogLevel)
	}
	if c.Drag.XdndVersion < 0 || c.Drag.XdndVersion > MaxXdndVersion {
		return fmt.Errorf("invalid drag.xdnd_version: %d (0..%d)", c.Drag.XdndVersion, MaxXdndVersion)
	}
	if c.Drag.FinishTimeout != "" {
		if _, err := time.ParseDuration(c.Drag.FinishTimeout); err != nil {
			return fmt.Errorf("invalid drag.finish_timeout: %w", err)
		}
	}
	return nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8090,
		LogLevel:   "info",
		Drag: DragConfig{
			XdndVersion:     MaxXdndVersion,
			UseToplevels:    true,
			MotifEnabled:    true,
			FallbackEnabled: true,
			ProbeCompositor: true,
			FinishTimeout:   "0s",
			Cursors: CursorConfig{
				Drag:   "fleur",
				Accept: "hand2",
				Deny:   "circle",
			},
		},
	}
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	configPath := configFile
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, ".config", "xdrag", "config.yaml")
	}

	m := &Manager{
		configPath: configPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Int("xdnd_version", m.config.Drag.XdndVersion).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk; missing keys keep their defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.viper = nil
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the stored configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// fileViper returns a viper instance holding only what is on disk
func (m *Manager) fileViper(cfg *Config) (*viper.Viper, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to load config into viper: %w", err)
	}
	return v, nil
}

// GetViper returns the configuration as a viper instance with XDRAG_*
// environment overrides applied. Callers may bind command line flags to it.
func (m *Manager) GetViper() *viper.Viper {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viper != nil {
		return m.viper
	}
	v, err := m.fileViper(m.config)
	if err != nil {
		logger.WithComponent("config").Error().Err(err).Msg("Failed to build viper, using empty instance")
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	m.viper = v
	return v
}

// Effective returns the configuration with environment and flag overrides
// from GetViper applied. Invalid overrides are ignored.
func (m *Manager) Effective() *Config {
	v := m.GetViper()
	cfg := m.Get()
	if err := v.Unmarshal(cfg); err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Ignoring config overrides")
		return m.Get()
	}
	if err := cfg.Validate(); err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Ignoring invalid config overrides")
		return m.Get()
	}
	return cfg
}

// Set changes one dotted key (e.g. drag.motif_enabled) and saves
func (m *Manager) Set(key string, value any) error {
	v, err := m.fileViper(m.Get())
	if err != nil {
		return err
	}
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	v.Set(key, value)

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.Update(cfg)
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.viper = nil
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	cfg := m.Get()
	cfg.ServerPort = port
	return m.Update(cfg)
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	cfg := m.Get()
	cfg.LogLevel = level
	return m.Update(cfg)
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

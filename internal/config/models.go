package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Listener kinds
const (
	ListenerTCP     = "tcp"
	ListenerTailnet = "tailnet"
)

// EnvPrefix prefixes environment overrides, e.g. DESKSTREAMER_SERVER_PORT
const EnvPrefix = "DESKSTREAMER"

// NetworkConfig selects how the HTTP server is reachable
type NetworkConfig struct {
	Listener   string `json:"listener" yaml:"listener"`
	Hostname   string `json:"hostname" yaml:"hostname"`
	AuthKey    string `json:"-" yaml:"auth_key,omitempty"`
	StateDir   string `json:"state_dir" yaml:"state_dir"`
	ControlURL string `json:"control_url,omitempty" yaml:"control_url,omitempty"`
}

// VideoConfig holds capture, encoder and loop settings
type VideoConfig struct {
	FPS              int     `json:"fps" yaml:"fps"`
	Quality          float32 `json:"quality" yaml:"quality"`
	Codec            string  `json:"codec" yaml:"codec"`
	PreferI444       bool    `json:"prefer_i444" yaml:"prefer_i444"`
	Hardware         bool    `json:"hardware" yaml:"hardware"`
	HardwareSessions int     `json:"hardware_sessions" yaml:"hardware_sessions"`

	CameraWidth  int    `json:"camera_width" yaml:"camera_width"`
	CameraHeight int    `json:"camera_height" yaml:"camera_height"`
	CameraDevice string `json:"camera_device,omitempty" yaml:"camera_device,omitempty"`

	AckTimeout             time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	AckSlice               time.Duration `json:"ack_slice" yaml:"ack_slice"`
	TopologyInterval       time.Duration `json:"topology_interval" yaml:"topology_interval"`
	MaxFillerFrames        int           `json:"max_filler_frames" yaml:"max_filler_frames"`
	MaxEncodeFailures      int           `json:"max_encode_failures" yaml:"max_encode_failures"`
	RecordKeyframeInterval int           `json:"record_keyframe_interval" yaml:"record_keyframe_interval"`
}

// RecordConfig controls recording of incoming sessions
type RecordConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Directory string `json:"directory" yaml:"directory"`
}

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty"`

	Network NetworkConfig `json:"network" yaml:"network"`
	Video   VideoConfig   `json:"video" yaml:"video"`
	Record  RecordConfig  `json:"record" yaml:"record"`

	// Monitors are started when the server starts
	Monitors   []int    `json:"monitors" yaml:"monitors"`
	ICEServers []string `json:"ice_servers" yaml:"ice_servers"`
}

// Validate checks values the server can not run with
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	switch c.Network.Listener {
	case ListenerTCP, ListenerTailnet:
	default:
		return fmt.Errorf("invalid network.listener %q, want %q or %q", c.Network.Listener, ListenerTCP, ListenerTailnet)
	}
	if _, err := video.ParseCodec(c.Video.Codec); err != nil {
		return fmt.Errorf("invalid video.codec: %w", err)
	}
	if c.Video.FPS < 1 || c.Video.FPS > 120 {
		return fmt.Errorf("invalid video.fps %d", c.Video.FPS)
	}
	if c.Video.Quality < 0 || c.Video.Quality > 1 {
		return fmt.Errorf("invalid video.quality %v, want [0,1]", c.Video.Quality)
	}
	for _, idx := range c.Monitors {
		if idx < 0 {
			return fmt.Errorf("invalid monitor index %d", idx)
		}
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		actualConfigPath = filepath.Join(homeDir, ".config", "deskstreamer", "config.yaml")
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = m.getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("codec", m.config.Video.Codec).
		Int("fps", m.config.Video.FPS).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Network: NetworkConfig{
			Listener: ListenerTCP,
			Hostname: "deskstreamer",
			StateDir: filepath.Join(homeDir, ".local", "share", "deskstreamer", "tsnet"),
		},
		Video: VideoConfig{
			FPS:                    30,
			Quality:                0.5,
			Codec:                  string(video.CodecVP8),
			Hardware:               true,
			HardwareSessions:       2,
			CameraWidth:            1280,
			CameraHeight:           720,
			AckTimeout:             3 * time.Second,
			AckSlice:               300 * time.Millisecond,
			TopologyInterval:       time.Second,
			MaxFillerFrames:        10,
			MaxEncodeFailures:      3,
			RecordKeyframeInterval: 240,
		},
		Record: RecordConfig{
			Directory: filepath.Join(homeDir, "Videos", "deskstreamer"),
		},
		Monitors:   []int{0},
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}
}

func (m *Manager) getDefaults() *Config {
	return Defaults()
}

// load reads the configuration from disk over the defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := m.getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// ApplyOverrides copies values set by flags or DESKSTREAMER_* environment
// variables into the running configuration. They are not saved.
func (m *Manager) ApplyOverrides(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.mu.Lock()
	cfg := *m.config
	if v.IsSet("server_port") && v.GetInt("server_port") > 0 {
		cfg.ServerPort = v.GetInt("server_port")
	}
	if v.IsSet("log_level") && v.GetString("log_level") != "" {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("network.listener") && v.GetString("network.listener") != "" {
		cfg.Network.Listener = v.GetString("network.listener")
	}
	if v.IsSet("network.auth_key") {
		cfg.Network.AuthKey = v.GetString("network.auth_key")
	}
	if v.IsSet("video.codec") && v.GetString("video.codec") != "" {
		cfg.Video.Codec = v.GetString("video.codec")
	}
	if v.IsSet("video.fps") && v.GetInt("video.fps") > 0 {
		cfg.Video.FPS = v.GetInt("video.fps")
	}
	if v.IsSet("record.enabled") {
		cfg.Record.Enabled = v.GetBool("record.enabled")
	}
	m.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return m.getDefaults()
	}

	cfg := *m.config
	cfg.Monitors = append([]int(nil), m.config.Monitors...)
	cfg.ICEServers = append([]string(nil), m.config.ICEServers...)
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = m.getDefaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

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
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file may hold a tailnet auth key
	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// SetCodec sets the preferred codec
func (m *Manager) SetCodec(codec video.CodecFormat) error {
	m.mu.Lock()
	m.config.Video.Codec = string(codec)
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

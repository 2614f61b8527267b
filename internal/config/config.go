package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"

	"github.com/orris-inc/sshfwd/internal/sshclient"
	"github.com/orris-inc/sshfwd/internal/store"
)

type Config struct {
	ListenAddr string
	APIToken   string
	DataDir    string
	Storage    store.Backend
	LogLevel   string

	DialTimeout        time.Duration
	ChannelOpenTimeout time.Duration
	HandshakeTimeout   time.Duration
	StopTimeout        time.Duration
	// CloseConnectionsOnStop force-closes piped connections when a forward
	// stops instead of letting them drain.
	CloseConnectionsOnStop bool
	// TrafficLogInterval is how often traffic totals are logged; zero
	// disables the report.
	TrafficLogInterval time.Duration

	Connections []sshclient.Endpoint
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:7420",
		DataDir:            defaultDataDir(),
		Storage:            store.BackendJSON,
		LogLevel:           "info",
		DialTimeout:        15 * time.Second,
		ChannelOpenTimeout: 15 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		StopTimeout:        5 * time.Second,
		TrafficLogInterval: 5 * time.Minute,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sshfwd")
	}
	return ".sshfwd"
}

// DefaultFile is the config file read when none is given.
func DefaultFile() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// fileConfig mirrors the TOML layout. Durations are strings such as "15s".
type fileConfig struct {
	ListenAddr             string           `toml:"listen_addr"`
	APIToken               string           `toml:"api_token"`
	DataDir                string           `toml:"data_dir"`
	Storage                string           `toml:"storage"`
	LogLevel               string           `toml:"log_level"`
	DialTimeout            string           `toml:"dial_timeout"`
	ChannelOpenTimeout     string           `toml:"channel_open_timeout"`
	HandshakeTimeout       string           `toml:"handshake_timeout"`
	StopTimeout            string           `toml:"stop_timeout"`
	TrafficLogInterval     string           `toml:"traffic_log_interval"`
	CloseConnectionsOnStop *bool            `toml:"close_connections_on_stop"`
	Connections            []fileConnection `toml:"connections"`
}

type fileHop struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	IdentityFile string `toml:"identity_file"`
	Passphrase   string `toml:"passphrase"`
	UseAgent     bool   `toml:"use_agent"`
}

func (h fileHop) hop() sshclient.Hop {
	return sshclient.Hop{
		Host:         h.Host,
		Port:         h.Port,
		User:         h.User,
		Password:     h.Password,
		IdentityFile: h.IdentityFile,
		Passphrase:   h.Passphrase,
		UseAgent:     h.UseAgent,
	}
}

type fileConnection struct {
	ID           string    `toml:"id"`
	Host         string    `toml:"host"`
	Port         int       `toml:"port"`
	User         string    `toml:"user"`
	Password     string    `toml:"password"`
	IdentityFile string    `toml:"identity_file"`
	Passphrase   string    `toml:"passphrase"`
	UseAgent     bool      `toml:"use_agent"`
	KnownHosts   string    `toml:"known_hosts"`
	AutoConnect  bool      `toml:"auto_connect"`
	Jumps        []fileHop `toml:"jumps"`
}

func (c fileConnection) endpoint() sshclient.Endpoint {
	target := fileHop{
		Host:         c.Host,
		Port:         c.Port,
		User:         c.User,
		Password:     c.Password,
		IdentityFile: c.IdentityFile,
		Passphrase:   c.Passphrase,
		UseAgent:     c.UseAgent,
	}
	ep := sshclient.Endpoint{
		ID:          c.ID,
		Hop:         target.hop(),
		KnownHosts:  c.KnownHosts,
		AutoConnect: c.AutoConnect,
	}
	for _, j := range c.Jumps {
		ep.Jumps = append(ep.Jumps, j.hop())
	}
	return ep
}

// LoadFile merges the TOML file at path into cfg. A missing file is not
// an error when optional is set.
func LoadFile(cfg *Config, path string, optional bool) error {
	f, err := os.Open(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc.apply(cfg)
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.APIToken, fc.APIToken)
	setString(&cfg.DataDir, expandHome(fc.DataDir))
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.Storage != "" {
		cfg.Storage = store.Backend(fc.Storage)
	}
	if fc.CloseConnectionsOnStop != nil {
		cfg.CloseConnectionsOnStop = *fc.CloseConnectionsOnStop
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", fc.DialTimeout, &cfg.DialTimeout},
		{"channel_open_timeout", fc.ChannelOpenTimeout, &cfg.ChannelOpenTimeout},
		{"handshake_timeout", fc.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"stop_timeout", fc.StopTimeout, &cfg.StopTimeout},
		{"traffic_log_interval", fc.TrafficLogInterval, &cfg.TrafficLogInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, d.raw); err != nil {
			return err
		}
	}

	for _, c := range fc.Connections {
		cfg.Connections = append(cfg.Connections, c.endpoint())
	}
	return nil
}

// LoadEnv applies SSHFWD_* environment variables to cfg.
func LoadEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, os.Getenv("SSHFWD_LISTEN_ADDR"))
	setString(&cfg.APIToken, os.Getenv("SSHFWD_API_TOKEN"))
	setString(&cfg.DataDir, expandHome(os.Getenv("SSHFWD_DATA_DIR")))
	setString(&cfg.LogLevel, os.Getenv("SSHFWD_LOG_LEVEL"))
	if v := os.Getenv("SSHFWD_STORAGE"); v != "" {
		cfg.Storage = store.Backend(v)
	}
	if v := os.Getenv("SSHFWD_CLOSE_CONNECTIONS_ON_STOP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SSHFWD_CLOSE_CONNECTIONS_ON_STOP: %w", err)
		}
		cfg.CloseConnectionsOnStop = b
	}

	durations := map[string]*time.Duration{
		"SSHFWD_DIAL_TIMEOUT":         &cfg.DialTimeout,
		"SSHFWD_CHANNEL_OPEN_TIMEOUT": &cfg.ChannelOpenTimeout,
		"SSHFWD_HANDSHAKE_TIMEOUT":    &cfg.HandshakeTimeout,
		"SSHFWD_STOP_TIMEOUT":         &cfg.StopTimeout,
		"SSHFWD_TRAFFIC_LOG_INTERVAL": &cfg.TrafficLogInterval,
	}
	for key, dst := range durations {
		if err := setDuration(dst, key, os.Getenv(key)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromEnv returns the defaults overridden by the environment.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := LoadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Storage {
	case store.BackendJSON, store.BackendSQLite:
	default:
		return fmt.Errorf("storage must be %q or %q, got %q", store.BackendJSON, store.BackendSQLite, c.Storage)
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":         c.DialTimeout,
		"channel_open_timeout": c.ChannelOpenTimeout,
		"handshake_timeout":    c.HandshakeTimeout,
		"stop_timeout":         c.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.TrafficLogInterval < 0 {
		return errors.New("traffic_log_interval must not be negative")
	}

	seen := map[string]bool{}
	for _, ep := range c.Connections {
		if err := ep.Validate(); err != nil {
			return err
		}
		if seen[ep.ID] {
			return fmt.Errorf("duplicate connection id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func setDuration(dst *time.Duration, key, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// SampleConfig is a commented example config file.
func SampleConfig() string {
	return `# sshfwd configuration

# Control API address. Keep it on loopback unless api_token is set.
listen_addr = "127.0.0.1:7420"
#api_token = ""

# Where forward rules and templates are stored.
#data_dir = "~/.config/sshfwd"
# "json" or "sqlite"
storage = "json"

log_level = "info"

#dial_timeout = "15s"
#channel_open_timeout = "15s"
#handshake_timeout = "10s"
#stop_timeout = "5s"
#close_connections_on_stop = false
#traffic_log_interval = "5m"

[[connections]]
id = "prod"
host = "10.0.0.5"
port = 22
user = "deploy"
identity_file = "~/.ssh/id_ed25519"
known_hosts = "~/.ssh/known_hosts"
auto_connect = true

  [[connections.jumps]]
  host = "bastion.example.com"
  user = "deploy"
  use_agent = true
`
}

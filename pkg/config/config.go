package config

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	Server    Server `toml:"server"`
	Client    Client `toml:"client"`
}

type Server struct {
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
	// Store is the id of the persisted document served under /stores/{store}.
	Store          string `toml:"store"`
	Topic          string `toml:"topic"`
	InitialStock   int64  `toml:"initial_stock"`
	BackupInterval string `toml:"backup_interval"`
	// RedisAddr enables fan-out between server instances when set.
	RedisAddr    string `toml:"redis_addr"`
	RedisChannel string `toml:"redis_channel"`
	DumpOnExit   bool   `toml:"dump_on_exit"`
}

type Client struct {
	ServerURL string `toml:"server_url"`
	Topic     string `toml:"topic"`
	// ClientID is generated when empty.
	ClientID      string `toml:"client_id"`
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	PushTimeout   string `toml:"push_timeout"`
}

func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Server: Server{
			Addr:           "localhost:8080",
			Database:       "stock.sqlite3",
			Store:          "default",
			Topic:          "counter:default",
			InitialStock:   100,
			BackupInterval: "5s",
			RedisChannel:   "stock-sync",
		},
		Client: Client{
			ServerURL:     "http://localhost:8080",
			Topic:         "counter:default",
			ProbeInterval: "5s",
			ProbeTimeout:  "2s",
			PushTimeout:   "10s",
		},
	}
}

// Load reads a TOML file. Settings the file leaves out keep their default.
func Load(path string) (Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config file: %w", err)
	}
	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.fill(Default())
	if !tree.Has("server.initial_stock") {
		cfg.Server.InitialStock = Default().Server.InitialStock
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) fill(def Config) {
	orString(&c.LogLevel, def.LogLevel)
	orString(&c.LogFormat, def.LogFormat)

	orString(&c.Server.Addr, def.Server.Addr)
	orString(&c.Server.Database, def.Server.Database)
	orString(&c.Server.Store, def.Server.Store)
	orString(&c.Server.Topic, def.Server.Topic)
	orString(&c.Server.BackupInterval, def.Server.BackupInterval)
	orString(&c.Server.RedisChannel, def.Server.RedisChannel)

	orString(&c.Client.ServerURL, def.Client.ServerURL)
	orString(&c.Client.Topic, def.Client.Topic)
	orString(&c.Client.ProbeInterval, def.Client.ProbeInterval)
	orString(&c.Client.ProbeTimeout, def.Client.ProbeTimeout)
	orString(&c.Client.PushTimeout, def.Client.PushTimeout)
}

func orString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Validate checks the values that are parsed later on.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q: must be text or json", c.LogFormat)
	}
	if c.Server.InitialStock < 0 {
		return fmt.Errorf("invalid initial_stock %d: must not be negative", c.Server.InitialStock)
	}
	for name, raw := range map[string]string{
		"server.backup_interval": c.Server.BackupInterval,
		"client.probe_interval":  c.Client.ProbeInterval,
		"client.probe_timeout":   c.Client.ProbeTimeout,
		"client.push_timeout":    c.Client.PushTimeout,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func (s Server) Backup() time.Duration {
	return duration(s.BackupInterval)
}

func (c Client) Probe() time.Duration {
	return duration(c.ProbeInterval)
}

func (c Client) Timeout() time.Duration {
	return duration(c.ProbeTimeout)
}

func (c Client) Push() time.Duration {
	return duration(c.PushTimeout)
}

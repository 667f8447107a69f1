// Package config loads server and client settings with koanf.
//
// Sources are layered, later ones winning: built-in defaults, a YAML file,
// PRESENCE_* environment variables, then explicit overrides (CLI flags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/manpreetbhatti/presence/internal/protocol"
)

const EnvPrefix = "PRESENCE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Room      RoomConfig      `koanf:"room"`
	Protocol  ProtocolConfig  `koanf:"protocol"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	DB        DBConfig        `koanf:"db"`
	Janitor   JanitorConfig   `koanf:"janitor"`
	Log       LogConfig       `koanf:"log"`
	Client    ClientConfig    `koanf:"client"`
}

type ServerConfig struct {
	Addr           string   `koanf:"addr"`
	Token          string   `koanf:"token"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type RoomConfig struct {
	Interval time.Duration `koanf:"interval"`
	Default  string        `koanf:"default"`
}

type ProtocolConfig struct {
	Outbound    string `koanf:"outbound"`
	Inbound     string `koanf:"inbound"`
	OnViolation string `koanf:"on_violation"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `koanf:"messages_per_second"`
	Burst             int     `koanf:"burst"`
	UpgradesPerSecond float64 `koanf:"upgrades_per_second"`
	UpgradeBurst      int     `koanf:"upgrade_burst"`
}

type DBConfig struct {
	Path string `koanf:"path"`
}

type JanitorConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Retention time.Duration `koanf:"retention"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type ClientConfig struct {
	Debounce time.Duration `koanf:"debounce"`
}

// Defaults returns the built-in settings as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":                   ":8080",
		"server.token":                  "cc",
		"server.allowed_origins":        []string{},
		"room.interval":                 "50ms",
		"room.default":                  "default",
		"protocol.outbound":             string(protocol.FormatCompact),
		"protocol.inbound":              string(protocol.FormatCompact),
		"protocol.on_violation":         "",
		"ratelimit.messages_per_second": 100,
		"ratelimit.burst":               200,
		"ratelimit.upgrades_per_second": 10,
		"ratelimit.upgrade_burst":       20,
		"db.path":                       "./data/presence.db",
		"janitor.interval":              "5m",
		"janitor.retention":             "720h",
		"log.level":                     "info",
		"log.json":                      false,
		"client.debounce":               "25ms",
	}
}

// Load reads configuration from path (optional), the environment and
// overrides, on top of the defaults.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeys maps PRESENCE_RATELIMIT_MESSAGES_PER_SECOND style names back to
// their dotted keys, so underscores inside a key survive.
var envKeys = func() map[string]string {
	m := make(map[string]string)
	for key := range Defaults() {
		m[strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}
	return m
}()

// listKeys are the keys whose env values are comma-separated lists.
var listKeys = func() map[string]bool {
	m := make(map[string]bool)
	for key, v := range Defaults() {
		if _, ok := v.([]string); ok {
			m[key] = true
		}
	}
	return m
}()

func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if key, ok := envKeys[s]; ok {
		return key
	}
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

func (c *Config) Validate() error {
	if _, err := protocol.ParseFormat(c.Protocol.Outbound); err != nil {
		return fmt.Errorf("protocol.outbound: %w", err)
	}
	if _, err := protocol.ParseFormat(c.Protocol.Inbound); err != nil {
		return fmt.Errorf("protocol.inbound: %w", err)
	}
	if c.Protocol.OnViolation != "" {
		if _, err := protocol.ParsePolicy(c.Protocol.OnViolation); err != nil {
			return fmt.Errorf("protocol.on_violation: %w", err)
		}
	}
	if c.Room.Interval <= 0 {
		return fmt.Errorf("room.interval must be positive, got %v", c.Room.Interval)
	}
	if c.Client.Debounce <= 0 {
		return fmt.Errorf("client.debounce must be positive, got %v", c.Client.Debounce)
	}
	return nil
}

func (c *Config) OutboundFormat() protocol.Format {
	f, _ := protocol.ParseFormat(c.Protocol.Outbound)
	return f
}

func (c *Config) InboundFormat() protocol.Format {
	f, _ := protocol.ParseFormat(c.Protocol.Inbound)
	return f
}

// ViolationPolicy is empty when the inbound path's default applies.
func (c *Config) ViolationPolicy() protocol.Policy {
	p, _ := protocol.ParsePolicy(c.Protocol.OnViolation)
	return p
}

// mapProvider feeds a flat, dot-delimited map into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	// DefaultFile is read from the working directory when present
	DefaultFile = "incident-trees.toml"

	// EnvPrefix scopes environment overrides. A single underscore becomes a
	// dash and a double underscore descends into a section, so
	// INCIDENT_TREES_JSON_LOGS sets json-logs and INCIDENT_TREES_FEED__PORT
	// sets feed.port.
	EnvPrefix = "INCIDENT_TREES_"
)

// Config holds all configuration for both binaries
type Config struct {
	Endpoint         string        `koanf:"endpoint"`
	Port             int           `koanf:"port"`
	Console          bool          `koanf:"console"`
	JSONLogs         bool          `koanf:"json-logs"`
	HandshakeTimeout time.Duration `koanf:"handshake-timeout"`
	Verbosity        string        `koanf:"verbosity"`
	VerboseCnt       int           `koanf:"verbose"`
	Feed             FeedConfig    `koanf:"feed"`
}

// FeedConfig configures the development alert feed
type FeedConfig struct {
	Port     int           `koanf:"port"`
	Dir      string        `koanf:"dir"`      // Directory of *.json group messages, empty to disable
	Watch    bool          `koanf:"watch"`    // Re-read the directory on change
	Sample   bool          `koanf:"sample"`   // Play the built-in sample sequence
	Interval time.Duration `koanf:"interval"` // Delay between sample steps
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":          "ws://localhost:8090/ws",
		"port":              8080,
		"console":           false,
		"json-logs":         false,
		"handshake-timeout": 10 * time.Second,
		"verbosity":         "",
		"verbose":           0,
		"feed": map[string]interface{}{
			"port":     8090,
			"dir":      "",
			"watch":    true,
			"sample":   true,
			"interval": 2 * time.Second,
		},
	}
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return LoadFile(DefaultFile, f)
}

// LoadFile is Load with an explicit config file path
func LoadFile(path string, f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File (optional)
	// We ignore errors here as the file might not exist
	_ = k.Load(file.Provider(path), toml.Parser())

	// 3. Environment Variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	// A "feed-" prefix selects the feed section, e.g. --feed-port
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, func(fl *pflag.Flag) (string, interface{}) {
			return flagKey(fl.Name), posflag.FlagVal(f, fl)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	sections := strings.Split(s, "__")
	for i, section := range sections {
		sections[i] = strings.ReplaceAll(section, "_", "-")
	}
	return strings.Join(sections, ".")
}

func flagKey(name string) string {
	if rest, ok := strings.CutPrefix(name, "feed-"); ok {
		return "feed." + rest
	}
	return name
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

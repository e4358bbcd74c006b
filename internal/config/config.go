// Package config implements the TOML-backed configuration file this
// server reads before flags are applied, in the same shape and loader
// style as the teacher's config package (DefaultConfig / Load / LoadFrom /
// Save / SaveTo via BurntSushi/toml).
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

// RawBlob is one configured (address, path) pair for a raw binary blob.
type RawBlob struct {
	Address string `toml:"address"` // hex, e.g. "0x1000"
	Path    string `toml:"path"`
}

// ELFBlob is one configured pre-extracted object triple.
type ELFBlob struct {
	Address     string `toml:"address"`
	Path        string `toml:"path"`
	AddressBits int    `toml:"address_bits"`
}

// ServerConfig holds the listening endpoint.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// TraceConfig names the trace log to replay.
type TraceConfig struct {
	LogPath string `toml:"log_path"`
}

// LoggingConfig controls diagnostic verbosity: "quiet", "normal", "verbose".
type LoggingConfig struct {
	Verbosity string `toml:"verbosity"`
}

// InspectorConfig holds the [inspector] section for the offline trace
// inspector (C9). StartHart is decoded but nothing reads it: the inspector
// always opens on the lowest hart id.
type InspectorConfig struct {
	StartHart int `toml:"start_hart"`
}

// Config is the full configuration surface.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Trace     TraceConfig     `toml:"trace"`
	Logging   LoggingConfig   `toml:"logging"`
	Inspector InspectorConfig `toml:"inspector"`
	RawBlobs  []RawBlob       `toml:"raw_blob"`
	ELFBlobs  []ELFBlob       `toml:"elf_blob"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "localhost:3333",
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// GetConfigPath returns the platform-conventional config file path,
// matching the teacher's runtime.GOOS switch.
func GetConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return os.Getenv("APPDATA") + `\replaydbg\config.toml`
	case "darwin":
		home, _ := os.UserHomeDir()
		return home + "/Library/Application Support/replaydbg/config.toml"
	default:
		home, _ := os.UserHomeDir()
		return home + "/.config/replaydbg/config.toml"
	}
}

// Load reads the configuration from GetConfigPath. A missing file is not
// an error: DefaultConfig is returned instead.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom reads and parses the configuration file at path. A missing
// file yields DefaultConfig, not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to GetConfigPath.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo writes the configuration to path as TOML.
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}

// Package config loads engine settings from defaults, an optional JSON file
// and BLOCKTORRENT_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. BLOCKTORRENT_PORT.
const EnvPrefix = "BLOCKTORRENT_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Port       int    `mapstructure:"port"`

	// Timeout bounds every connect, accept and frame read.
	Timeout time.Duration `mapstructure:"timeout"`

	SaveInterval        time.Duration `mapstructure:"save_interval"`
	ResetInterval       time.Duration `mapstructure:"reset_interval"`
	InfoInterval        time.Duration `mapstructure:"info_interval"`
	PeerListInterval    time.Duration `mapstructure:"peer_list_interval"`
	BlockStatusInterval time.Duration `mapstructure:"block_status_interval"`
	BlockInterval       time.Duration `mapstructure:"block_interval"`

	// MaxTorrentSize caps the file size accepted in an info push from a peer.
	MaxTorrentSize int64 `mapstructure:"max_torrent_size"`

	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		ListenAddr:          "0.0.0.0",
		Port:                9000,
		Timeout:             500 * time.Millisecond,
		SaveInterval:        10 * time.Second,
		ResetInterval:       5 * time.Second,
		InfoInterval:        2 * time.Second,
		PeerListInterval:    5 * time.Second,
		BlockStatusInterval: 2 * time.Second,
		BlockInterval:       100 * time.Millisecond,
		MaxTorrentSize:      64 << 20,
		DataDir:             "torrents",
		LogLevel:            "info",
	}
}

// Load builds a Config from the defaults, the JSON file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		var file map[string]any
		if err := json.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if err := Decode(&cfg, file); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := Decode(&cfg, FromEnv(os.Environ())); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Decode overlays the keys present in src onto cfg. Durations may be given as
// strings such as "250ms". Unknown keys are rejected.
func Decode(cfg *Config, src map[string]any) error {
	if len(src) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(src); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// FromEnv collects BLOCKTORRENT_* variables into a map keyed like the JSON
// file, e.g. BLOCKTORRENT_BLOCK_INTERVAL becomes block_interval.
func FromEnv(environ []string) map[string]any {
	out := make(map[string]any)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}
	return out
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.MaxTorrentSize <= 0 {
		return fmt.Errorf("%w: max_torrent_size must be positive, got %d", ErrInvalid, c.MaxTorrentSize)
	}
	durations := map[string]time.Duration{
		"timeout":               c.Timeout,
		"save_interval":         c.SaveInterval,
		"reset_interval":        c.ResetInterval,
		"info_interval":         c.InfoInterval,
		"peer_list_interval":    c.PeerListInterval,
		"block_status_interval": c.BlockStatusInterval,
		"block_interval":        c.BlockInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// ListenAddress is the host:port the engine binds.
func (c Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.Port)
}

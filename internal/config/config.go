// Package config loads preview configuration from TOML files with
// environment overrides.
//
// Resolution order, later wins: built-in defaults, the TOML file, then
// MARKSYNC_* environment variables. A missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/marksync/internal/scrollsync"
)

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "MARKSYNC_"

// Config is the full preview configuration.
type Config struct {
	Theme   string        `toml:"theme"`
	Logging LoggingConfig `toml:"logging"`
	Compile CompileConfig `toml:"compile"`
	Scroll  ScrollConfig  `toml:"scroll"`
	Mapper  MapperConfig  `toml:"mapper"`
	Gateway GatewayConfig `toml:"gateway"`
	Surface SurfaceConfig `toml:"surface"`
}

// LoggingConfig configures diagnostics output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// CompileConfig configures the compilation pipeline.
type CompileConfig struct {
	// DebounceMs is the edit-settle window in milliseconds.
	DebounceMs int `toml:"debounce_ms"`

	// WarnSourceLen is the source size above which a performance warning is
	// logged.
	WarnSourceLen int `toml:"warn_source_len"`
}

// ScrollConfig configures scroll synchronization.
type ScrollConfig struct {
	// Mode is one of disabled, editor-to-surface, surface-to-editor,
	// bidirectional.
	Mode string `toml:"mode"`

	// DebounceMs is the scroll-settle window in milliseconds.
	DebounceMs int `toml:"debounce_ms"`

	// AnimationMs is the smooth-scroll duration hint.
	AnimationMs int `toml:"animation_ms"`

	// ReducedMotion issues instant scrolls instead of animated ones.
	ReducedMotion bool `toml:"reduced_motion"`
}

// MapperConfig configures position mapping.
type MapperConfig struct {
	// ToleranceLines is the structural-tier nearest-line window.
	ToleranceLines int `toml:"tolerance_lines"`

	// CacheTTLMs is the mapping cache lifetime in milliseconds.
	CacheTTLMs int `toml:"cache_ttl_ms"`

	// CacheMaxSize bounds the mapping cache.
	CacheMaxSize int `toml:"cache_max_size"`
}

// GatewayConfig configures the security gateway.
type GatewayConfig struct {
	// SelfOrigin is the host's own origin.
	SelfOrigin string `toml:"self_origin"`

	// DevMode additionally admits loopback origins.
	DevMode bool `toml:"dev_mode"`

	// BucketCapacity is the inbound rate-limit burst capacity.
	BucketCapacity float64 `toml:"bucket_capacity"`

	// RefillPerSec is the sustained inbound message rate.
	RefillPerSec float64 `toml:"refill_per_sec"`
}

// SurfaceConfig configures the rendering surface controller.
type SurfaceConfig struct {
	// QueueDepth bounds the pre-ready command queue.
	QueueDepth int `toml:"queue_depth"`

	// VisibleExtent is the assumed viewport height for headless surfaces.
	VisibleExtent float64 `toml:"visible_extent"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Theme:   "default",
		Logging: LoggingConfig{Level: "info"},
		Compile: CompileConfig{
			DebounceMs:    300,
			WarnSourceLen: 100_000,
		},
		Scroll: ScrollConfig{
			Mode:        "bidirectional",
			DebounceMs:  50,
			AnimationMs: 150,
		},
		Mapper: MapperConfig{
			ToleranceLines: 5,
			CacheTTLMs:     1000,
			CacheMaxSize:   512,
		},
		Gateway: GatewayConfig{
			SelfOrigin:     "app://marksync",
			BucketCapacity: 100,
			RefillPerSec:   100,
		},
		Surface: SurfaceConfig{
			QueueDepth:    32,
			VisibleExtent: 600,
		},
	}
}

// Load resolves the configuration from the given path. An empty path or a
// missing file yields defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine; defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays MARKSYNC_* environment variables.
func (c *Config) applyEnv() {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("THEME", &c.Theme)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("SCROLL_MODE", &c.Scroll.Mode)
	setString("SELF_ORIGIN", &c.Gateway.SelfOrigin)
	setInt("COMPILE_DEBOUNCE_MS", &c.Compile.DebounceMs)
	setInt("SCROLL_DEBOUNCE_MS", &c.Scroll.DebounceMs)
	setBool("DEV_MODE", &c.Gateway.DevMode)
	setBool("REDUCED_MOTION", &c.Scroll.ReducedMotion)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Compile.DebounceMs < 0 {
		return fmt.Errorf("compile.debounce_ms must not be negative, got %d", c.Compile.DebounceMs)
	}
	if c.Scroll.DebounceMs < 0 {
		return fmt.Errorf("scroll.debounce_ms must not be negative, got %d", c.Scroll.DebounceMs)
	}
	if c.Scroll.AnimationMs < 0 {
		return fmt.Errorf("scroll.animation_ms must not be negative, got %d", c.Scroll.AnimationMs)
	}
	if _, err := c.ScrollMode(); err != nil {
		return fmt.Errorf("scroll.mode: %w", err)
	}
	if c.Mapper.ToleranceLines < 0 {
		return fmt.Errorf("mapper.tolerance_lines must not be negative, got %d", c.Mapper.ToleranceLines)
	}
	if c.Mapper.CacheTTLMs <= 0 {
		return fmt.Errorf("mapper.cache_ttl_ms must be positive, got %d", c.Mapper.CacheTTLMs)
	}
	if c.Mapper.CacheMaxSize <= 0 {
		return fmt.Errorf("mapper.cache_max_size must be positive, got %d", c.Mapper.CacheMaxSize)
	}
	if c.Gateway.BucketCapacity <= 0 {
		return fmt.Errorf("gateway.bucket_capacity must be positive, got %v", c.Gateway.BucketCapacity)
	}
	if c.Gateway.RefillPerSec <= 0 {
		return fmt.Errorf("gateway.refill_per_sec must be positive, got %v", c.Gateway.RefillPerSec)
	}
	if c.Surface.QueueDepth <= 0 {
		return fmt.Errorf("surface.queue_depth must be positive, got %d", c.Surface.QueueDepth)
	}
	return nil
}

// CompileDebounce returns the edit-settle window as a duration.
func (c *Config) CompileDebounce() time.Duration {
	return time.Duration(c.Compile.DebounceMs) * time.Millisecond
}

// ScrollDebounce returns the scroll-settle window as a duration.
func (c *Config) ScrollDebounce() time.Duration {
	return time.Duration(c.Scroll.DebounceMs) * time.Millisecond
}

// CacheTTL returns the mapping cache lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Mapper.CacheTTLMs) * time.Millisecond
}

// ScrollMode parses the configured synchronization mode.
func (c *Config) ScrollMode() (scrollsync.Mode, error) {
	var mode scrollsync.Mode
	if err := mode.UnmarshalText([]byte(c.Scroll.Mode)); err != nil {
		return 0, err
	}
	return mode, nil
}

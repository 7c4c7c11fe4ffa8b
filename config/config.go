// Package config loads the engine's process-wide configuration once at
// startup: built-in defaults, then an optional YAML file, then MIXCORE_*
// environment overrides. Nothing here is watched or reloaded; runtime state
// changes go through the engine boundary instead.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/soundfold/mixcore/ffi"
)

// Config is the full startup configuration.
type Config struct {
	SampleRate float64 `yaml:"sample_rate"`
	BlockSize  int     `yaml:"block_size"`

	Cache struct {
		Root               string  `yaml:"root"`
		SoftBudgetBytes    int64   `yaml:"soft_budget_bytes"`
		HardCeilingBytes   int64   `yaml:"hard_ceiling_bytes"`
		EvictTargetRatio   float64 `yaml:"evict_target_ratio"`
		MmapThresholdBytes int64   `yaml:"mmap_threshold_bytes"`
	} `yaml:"cache"`

	Async struct {
		Timeout     time.Duration `yaml:"timeout"`
		MaxRetries  int           `yaml:"max_retries"`
		BaseBackoff time.Duration `yaml:"base_backoff"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"async"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	var c Config
	c.SampleRate = 48000
	c.BlockSize = 512
	c.Cache.Root = "assets"
	c.Cache.SoftBudgetBytes = 64 << 20
	c.Cache.HardCeilingBytes = 128 << 20
	c.Cache.EvictTargetRatio = 0.80
	c.Cache.MmapThresholdBytes = 8 << 20
	c.Async.Timeout = 5 * time.Second
	c.Async.MaxRetries = 2
	c.Async.BaseBackoff = 100 * time.Millisecond
	c.Async.CacheTTL = 30 * time.Second
	c.LogLevel = "info"
	return c
}

// Load builds the configuration from defaults, an optional YAML file (empty
// path skips the file layer) and environment overrides, then validates it.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot read config %q", path)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err, "cannot parse config %q", path)
		}
	}

	c.applyEnv()
	if err := c.validate(); err != nil {
		return c, err
	}

	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v, ok := envFloat("MIXCORE_SAMPLE_RATE"); ok {
		c.SampleRate = v
	}
	if v, ok := envInt("MIXCORE_BLOCK_SIZE"); ok {
		c.BlockSize = int(v)
	}
	if v := os.Getenv("MIXCORE_CACHE_ROOT"); v != "" {
		c.Cache.Root = v
	}
	if v, ok := envInt("MIXCORE_CACHE_SOFT_BUDGET"); ok {
		c.Cache.SoftBudgetBytes = v
	}
	if v, ok := envInt("MIXCORE_CACHE_HARD_CEILING"); ok {
		c.Cache.HardCeilingBytes = v
	}
	if v, ok := envFloat("MIXCORE_CACHE_EVICT_RATIO"); ok {
		c.Cache.EvictTargetRatio = v
	}
	if v, ok := envDuration("MIXCORE_ASYNC_TIMEOUT"); ok {
		c.Async.Timeout = v
	}
	if v, ok := envInt("MIXCORE_ASYNC_RETRIES"); ok {
		c.Async.MaxRetries = int(v)
	}
	if v := os.Getenv("MIXCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 384000 {
		return ffi.New(ffi.AudioError, ffi.CodeBadSampleRate,
			"sample rate must be within 8000..384000 Hz, got %v", c.SampleRate)
	}
	if c.BlockSize < 16 || c.BlockSize > 8192 {
		return ffi.New(ffi.InvalidInput, ffi.CodeValueOutOfUnit,
			"block size must be within 16..8192 samples, got %d", c.BlockSize)
	}
	if c.Cache.HardCeilingBytes < c.Cache.SoftBudgetBytes {
		return ffi.New(ffi.InvalidInput, ffi.CodeValueOutOfUnit,
			"cache hard ceiling %d below soft budget %d",
			c.Cache.HardCeilingBytes, c.Cache.SoftBudgetBytes)
	}
	return nil
}

func envInt(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"var": name, "value": v}).Warn("ignoring bad integer override")
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"var": name, "value": v}).Warn("ignoring bad float override")
		return 0, false
	}
	return f, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"var": name, "value": v}).Warn("ignoring bad duration override")
		return 0, false
	}
	return d, true
}

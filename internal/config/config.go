// Package config loads process settings from defaults, an optional JSON
// file, UMBRA_* environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/umbra/internal/filecache"
)

// EnvPrefix is prepended to the upper-cased key to form its environment variable.
const EnvPrefix = "UMBRA_"

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	CachePath string `json:"cache-path"`
	CacheSize string `json:"cache-size"`
	ChunkSize string `json:"chunk-size"`

	Listen     string `json:"listen"`
	DataDir    string `json:"data-dir"`
	RemotePath string `json:"remote-path"`
	Secret     string `json:"secret"`

	LogLevel  string `json:"log-level"`
	LogFormat string `json:"log-format"`

	ReplicationInterval Duration `json:"replication-interval"`
	ReplicationWorkers  int      `json:"replication-workers"`
	ReadTimeout         Duration `json:"read-timeout"`
	DataShards          int      `json:"data-shards"`
	ParityShards        int      `json:"parity-shards"`

	// UploadsPerMinute caps uploads per client IP.
	UploadsPerMinute int `json:"uploads-per-minute"`
}

func Default() Config {
	return Config{
		CachePath:           "./cache",
		CacheSize:           "1GB",
		ChunkSize:           "1MB",
		Listen:              ":8080",
		DataDir:             "data",
		RemotePath:          "data/remote",
		LogLevel:            "info",
		LogFormat:           "console",
		ReplicationInterval: Duration(30 * time.Second),
		ReplicationWorkers:  4,
		ReadTimeout:         Duration(30 * time.Second),
		DataShards:          4,
		ParityShards:        2,
		UploadsPerMinute:    30,
	}
}

// Load builds a Config from the defaults, the JSON file at path (skipped
// when path is empty), the process environment and flags. The result is
// validated.
func Load(path string, flags Flags) (Config, error) {
	return load(path, os.LookupEnv, flags)
}

func load(path string, lookup func(string) (string, bool), flags Flags) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, key := range Keys() {
		v, ok := lookup(EnvName(key))
		if !ok {
			continue
		}
		if err := cfg.Set(key, v); err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvName(key), err)
		}
	}
	for _, key := range Keys() {
		v, ok := flags[key]
		if !ok {
			continue
		}
		if err := cfg.Set(key, v); err != nil {
			return cfg, fmt.Errorf("-%s: %w", key, err)
		}
	}
	return cfg, cfg.Validate()
}

// EnvName maps a key such as "cache-size" to UMBRA_CACHE_SIZE.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

var setters = map[string]func(c *Config, v string) error{
	"cache-path":           func(c *Config, v string) error { c.CachePath = v; return nil },
	"cache-size":           func(c *Config, v string) error { c.CacheSize = v; return nil },
	"chunk-size":           func(c *Config, v string) error { c.ChunkSize = v; return nil },
	"listen":               func(c *Config, v string) error { c.Listen = v; return nil },
	"data-dir":             func(c *Config, v string) error { c.DataDir = v; return nil },
	"remote-path":          func(c *Config, v string) error { c.RemotePath = v; return nil },
	"secret":               func(c *Config, v string) error { c.Secret = v; return nil },
	"log-level":            func(c *Config, v string) error { c.LogLevel = v; return nil },
	"log-format":           func(c *Config, v string) error { c.LogFormat = v; return nil },
	"replication-interval": func(c *Config, v string) error { return setDuration(&c.ReplicationInterval, v) },
	"replication-workers":  func(c *Config, v string) error { return setInt(&c.ReplicationWorkers, v) },
	"read-timeout":         func(c *Config, v string) error { return setDuration(&c.ReadTimeout, v) },
	"data-shards":          func(c *Config, v string) error { return setInt(&c.DataShards, v) },
	"parity-shards":        func(c *Config, v string) error { return setInt(&c.ParityShards, v) },
	"uploads-per-minute":   func(c *Config, v string) error { return setInt(&c.UploadsPerMinute, v) },
}

// Keys lists every settable key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one key from its string form.
func (c *Config) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

// Flags collects command-line overrides keyed like the JSON file.
type Flags map[string]string

// Bind registers one flag per key on fs.
func (f Flags) Bind(fs *flag.FlagSet) {
	for _, key := range Keys() {
		fs.Func(key, "overrides "+EnvName(key), func(v string) error {
			f[key] = v
			return nil
		})
	}
}

// Validate checks every setting without touching the filesystem.
func (c Config) Validate() error {
	var problems []string
	if c.Secret == "" {
		problems = append(problems, "secret is required")
	}
	cacheSize, err := filecache.ParseSize(c.CacheSize)
	if err != nil {
		problems = append(problems, "cache-size: "+err.Error())
	}
	chunkSize, err := filecache.ParseSize(c.ChunkSize)
	if err != nil {
		problems = append(problems, "chunk-size: "+err.Error())
	}
	if err == nil && chunkSize < filecache.MinChunkSize {
		problems = append(problems, fmt.Sprintf("chunk-size below %dB", filecache.MinChunkSize))
	}
	if err == nil && cacheSize > 0 && chunkSize > cacheSize {
		problems = append(problems, "chunk-size exceeds cache-size")
	}
	for key, v := range map[string]string{"cache-path": c.CachePath, "data-dir": c.DataDir, "remote-path": c.RemotePath, "listen": c.Listen} {
		if v == "" {
			problems = append(problems, key+" is empty")
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, "log-level: "+err.Error())
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log-format %q is not console or json", c.LogFormat))
	}
	if c.ReplicationInterval <= 0 || c.ReadTimeout <= 0 {
		problems = append(problems, "durations must be positive")
	}
	if c.ReplicationWorkers <= 0 || c.UploadsPerMinute <= 0 {
		problems = append(problems, "replication-workers and uploads-per-minute must be positive")
	}
	if c.DataShards <= 0 || c.ParityShards <= 0 || c.DataShards+c.ParityShards > 256 {
		problems = append(problems, fmt.Sprintf("shards %d+%d out of range", c.DataShards, c.ParityShards))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Cache returns the settings the file cache consumes.
func (c Config) Cache() filecache.Config {
	return filecache.Config{Path: c.CachePath, Size: c.CacheSize, ChunkSize: c.ChunkSize}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the reassemble tool configuration. Values come from the
// defaults, then an optional YAML file, then REASSEMBLE_* environment
// variables; command-line flags are applied last by the caller.
type Config struct {
	// Chunk source: a directory or an http(s) base URL
	ChunkDir string `yaml:"chunk_dir"`
	Dest     string `yaml:"dest"`

	Pattern  string `yaml:"pattern"`
	Manifest string `yaml:"manifest"`

	KeepChunks bool `yaml:"keep_chunks"`
	AllowGaps  bool `yaml:"allow_gaps"`
	SkipVerify bool `yaml:"skip_verify"`

	// Chunks verified in parallel by the verify command
	Concurrency int `yaml:"concurrency"`

	LogLevel string `yaml:"log_level"`

	Split SplitConfig `yaml:"split"`
	HTTP  HTTPConfig  `yaml:"http"`
}

// SplitConfig configures the split command.
type SplitConfig struct {
	ChunkSize int64 `yaml:"chunk_size"`
	PadWidth  int   `yaml:"pad_width"`
	Level     int   `yaml:"level"` // gzip level, 0 = default
}

// HTTPConfig configures chunk downloads from a URL.
type HTTPConfig struct {
	Insecure bool `yaml:"insecure"`
	// Credential is USER:PASSWORD for basic auth.
	Credential string `yaml:"credential"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ChunkDir:    "/app",
		Dest:        "/app",
		Pattern:     "chunk_*.txt",
		Manifest:    "manifest.yaml",
		Concurrency: 4,
		LogLevel:    "error",
		Split: SplitConfig{
			ChunkSize: 1 << 20,
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults;
// environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("REASSEMBLE_CHUNK_DIR"); v != "" {
		c.ChunkDir = v
	}
	if v := os.Getenv("REASSEMBLE_DEST"); v != "" {
		c.Dest = v
	}
	if v := os.Getenv("REASSEMBLE_PATTERN"); v != "" {
		c.Pattern = v
	}
	if v := os.Getenv("REASSEMBLE_MANIFEST"); v != "" {
		c.Manifest = v
	}
	if v := os.Getenv("REASSEMBLE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REASSEMBLE_CREDENTIAL"); v != "" {
		c.HTTP.Credential = v
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"REASSEMBLE_KEEP_CHUNKS", &c.KeepChunks},
		{"REASSEMBLE_ALLOW_GAPS", &c.AllowGaps},
		{"REASSEMBLE_SKIP_VERIFY", &c.SkipVerify},
		{"REASSEMBLE_INSECURE", &c.HTTP.Insecure},
	}
	for _, b := range bools {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %q", b.env, v)
		}
		*b.dst = parsed
	}

	if v := os.Getenv("REASSEMBLE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REASSEMBLE_CONCURRENCY: %q", v)
		}
		c.Concurrency = n
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.Count(c.Pattern, "*") != 1 {
		return fmt.Errorf("invalid pattern %q: must contain exactly one '*'", c.Pattern)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Split.ChunkSize < 1 {
		return fmt.Errorf("split chunk size must be positive, got %d", c.Split.ChunkSize)
	}
	if c.Split.PadWidth < 0 {
		return fmt.Errorf("split pad width must not be negative, got %d", c.Split.PadWidth)
	}
	if c.Split.Level < -2 || c.Split.Level > 9 {
		return fmt.Errorf("split level must be between -2 and 9, got %d", c.Split.Level)
	}
	if c.HTTP.Credential != "" && !strings.Contains(c.HTTP.Credential, ":") {
		return fmt.Errorf("credential must be USER:PASSWORD")
	}
	return nil
}

// Package config aggregates the configuration of every pipeline stage and
// loads it from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clalos/stream-ticker-detector/internal/blocks"
	"github.com/clalos/stream-ticker-detector/internal/classify"
	"github.com/clalos/stream-ticker-detector/internal/edge"
	"github.com/clalos/stream-ticker-detector/internal/motion"
	"github.com/clalos/stream-ticker-detector/internal/textline"
	"github.com/clalos/stream-ticker-detector/internal/track"
	"github.com/clalos/stream-ticker-detector/internal/verify"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// maxFileSize bounds the configuration file size.
const maxFileSize = 1 << 20

// Pipeline holds the orchestration parameters.
type Pipeline struct {
	// Workers bounds the goroutines estimating motion of one frame.
	Workers int `yaml:"workers"`
}

// Config is the full detector configuration.
type Config struct {
	Edge     edge.Config     `yaml:"edge"`
	Blocks   blocks.Config   `yaml:"blocks"`
	Lines    textline.Config `yaml:"lines"`
	Classify classify.Config `yaml:"classify"`
	Motion   motion.Config   `yaml:"motion"`
	Verify   verify.Config   `yaml:"verify"`
	Track    track.Config    `yaml:"track"`
	Pipeline Pipeline        `yaml:"pipeline"`
}

// Default returns the default configuration of every stage.
func Default() Config {
	return Config{
		Edge:     edge.DefaultConfig(),
		Blocks:   blocks.DefaultConfig(),
		Lines:    textline.DefaultConfig(),
		Classify: classify.DefaultConfig(),
		Motion:   motion.DefaultConfig(),
		Verify:   verify.DefaultConfig(),
		Track:    track.DefaultConfig(),
		Pipeline: Pipeline{Workers: 4},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value. The result is validated.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every stage and the parameters shared between stages.
func (c Config) Validate() error {
	checks := []func() error{
		c.Edge.Validate,
		c.Blocks.Validate,
		c.Lines.Validate,
		c.Classify.Validate,
		c.Motion.Validate,
		c.Verify.Validate,
		c.Track.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if c.Verify.StripWidth != c.Motion.StripWidth {
		return fmt.Errorf("%w: verify.strip_width %d differs from motion.strip_width %d",
			ErrInvalid, c.Verify.StripWidth, c.Motion.StripWidth)
	}
	if c.Classify.AlignToStrips && c.Classify.StripWidth != c.Motion.StripWidth {
		return fmt.Errorf("%w: classify.strip_width %d differs from motion.strip_width %d",
			ErrInvalid, c.Classify.StripWidth, c.Motion.StripWidth)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("%w: pipeline.workers %d must be positive", ErrInvalid, c.Pipeline.Workers)
	}
	return nil
}

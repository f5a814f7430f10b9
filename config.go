package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration value outside its allowed range.
var ErrInvalidConfig = errors.New("config: invalid")

// MultiTaskConfig configures the multi-task model.
type MultiTaskConfig struct {
	// MultiTask enables the auxiliary SST-2, STS-B and QNLI heads. When
	// false only the SNLI head trains and the other heads are frozen.
	MultiTask bool `json:"multi_task" yaml:"multi_task" toml:"multi_task"`

	// DropoutEmb is the dropout applied to the pooled [CLS] vector.
	DropoutEmb float64 `json:"dropout_emb" yaml:"dropout_emb" toml:"dropout_emb"`

	// Seed drives head initialisation and dropout masks.
	Seed int64 `json:"seed" yaml:"seed" toml:"seed"`

	// EncoderPath is a pre-trained encoder checkpoint. Empty means a
	// randomly initialised encoder built from Encoder.
	EncoderPath string `json:"encoder_path" yaml:"encoder_path" toml:"encoder_path"`

	Encoder BERTConfig `json:"encoder" yaml:"encoder" toml:"encoder"`
}

// DefaultMultiTaskConfig returns multi-task training on bert-base-uncased.
func DefaultMultiTaskConfig() MultiTaskConfig {
	return MultiTaskConfig{
		MultiTask:  true,
		DropoutEmb: 0.1,
		Seed:       42,
		Encoder:    NewBERTConfig(),
	}
}

// Validate reports the first invalid field.
func (c MultiTaskConfig) Validate() error {
	if c.DropoutEmb < 0 || c.DropoutEmb >= 1 {
		return fmt.Errorf("%w: dropout_emb must be in [0, 1), got %g", ErrInvalidConfig, c.DropoutEmb)
	}
	if c.EncoderPath == "" {
		return c.Encoder.Validate()
	}
	return nil
}

// LoadConfig reads a configuration file based on its extension, on top of
// DefaultMultiTaskConfig. Supports: .yaml/.yml, .json, .toml
func LoadConfig(path string) (MultiTaskConfig, error) {
	cfg := DefaultMultiTaskConfig()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := decodeByExt(path, b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.EncoderPath != "" && !filepath.IsAbs(cfg.EncoderPath) {
		cfg.EncoderPath = filepath.Join(filepath.Dir(path), cfg.EncoderPath)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeByExt unmarshals b into v using the format named by path's extension.
func decodeByExt(path string, b []byte, v any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, v)
	case ".json":
		return json.Unmarshal(b, v)
	case ".toml":
		return toml.Unmarshal(b, v)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

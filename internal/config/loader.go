package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level configuration file
type Pipeline struct {
	Settings    Settings  `yaml:"settings" toml:"settings"`
	Concurrency int       `yaml:"concurrency" toml:"concurrency"`
	Log         LogConfig `yaml:"log" toml:"log"`

	// Overrides are keyed by node selector: "instrument", "instrument/detector"
	// or "instrument/detector/filter", all lower case.
	Overrides map[string]Overrides `yaml:"overrides,omitempty" toml:"overrides,omitempty"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPipeline returns the configuration used when no file is given
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Settings:    Default(),
		Concurrency: 4,
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML or TOML configuration file on top of the defaults, then
// applies HAPCAT_* environment overrides. An empty path yields the defaults.
func Load(path string) (*Pipeline, error) {
	cfg := DefaultPipeline()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config format: %s (supported: .yaml, .yml, .toml)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		slog.Debug("Loaded config file", "path", path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (p *Pipeline) applyEnv() error {
	if v := os.Getenv("HAPCAT_LOG_LEVEL"); v != "" {
		p.Log.Level = v
	}
	if v := os.Getenv("HAPCAT_LOG_FORMAT"); v != "" {
		p.Log.Format = v
	}
	if v := os.Getenv("HAPCAT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for HAPCAT_CONCURRENCY=%q: %w", v, err)
		}
		p.Concurrency = n
	}
	return nil
}

// Validate checks the pipeline options and every override set
func (p *Pipeline) Validate() error {
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", p.Concurrency)
	}
	if err := p.Settings.Validate(); err != nil {
		return err
	}
	for selector, o := range p.Overrides {
		if _, err := p.Settings.With(o); err != nil {
			return fmt.Errorf("overrides[%s]: %w", selector, err)
		}
	}
	return nil
}

// OverridesFor merges the override sets matching a node, least specific first
func (p *Pipeline) OverridesFor(instrument, detector, filter string) Overrides {
	instrument = strings.ToLower(instrument)
	detector = strings.ToLower(detector)
	filter = strings.ToLower(filter)

	selectors := []string{instrument, instrument + "/" + detector}
	if filter != "" {
		selectors = append(selectors, instrument+"/"+detector+"/"+filter)
	}

	var out Overrides
	for _, sel := range selectors {
		if o, ok := p.Overrides[sel]; ok {
			out = out.Merge(o)
		}
	}
	return out
}

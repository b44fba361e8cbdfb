package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"gopkg.in/yaml.v3"
)

// ManifestConfig is the configuration section of a run manifest
type ManifestConfig struct {
	RunID       string          `yaml:"run_id"`
	Input       string          `yaml:"input"`
	Concurrency int             `yaml:"concurrency"`
	Timestamp   string          `yaml:"timestamp"`
	Settings    config.Settings `yaml:"settings"`
}

// Manifest lists every node outcome of a run
type Manifest struct {
	Config  ManifestConfig `yaml:"config"`
	Summary *Summary       `yaml:"summary"`
	Results []*Outcome     `yaml:"results"`
}

// NewManifest snapshots the outcomes recorded so far
func (r *Runner) NewManifest(input string, settings config.Settings) *Manifest {
	outcomes := r.Results.All()
	return &Manifest{
		Config: ManifestConfig{
			RunID:       r.RunID,
			Input:       input,
			Concurrency: r.Concurrency,
			Timestamp:   time.Now().UTC().Format("2006-01-02_15-04-05"),
			Settings:    settings,
		},
		Summary: Summarize(outcomes),
		Results: outcomes,
	}
}

// Save writes the manifest to <dir>/manifest-<run id>.yaml and returns the
// path
func (m *Manifest) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("manifest-%s.yaml", m.Config.RunID))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write YAML file: %w", err)
	}
	return filename, nil
}

// LoadManifest reads a manifest written by Save
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

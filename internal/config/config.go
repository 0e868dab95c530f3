// Package config loads bbwatcher.yml.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

const FileName = "bbwatcher.yml"

type Config struct {
	Notify NotifyConfig `yaml:"notify"`
	Fetch  FetchConfig  `yaml:"fetch"`
}

type NotifyConfig struct {
	// BarkEndpoint accepts a bare device token, host/token, or a full URL.
	BarkEndpoint   string          `yaml:"bark_endpoint"`
	LimitPerRun    int             `yaml:"limit_per_run"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
	OnUpdate       map[string]bool `yaml:"on_update"`
}

type FetchConfig struct {
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Sources        []SourceConfig `yaml:"sources"`
}

type SourceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // file or http
	Path string `yaml:"path,omitempty"`
	URL  string `yaml:"url,omitempty"`
}

func Default() Config {
	return Config{
		Notify: NotifyConfig{
			LimitPerRun:    5,
			TimeoutSeconds: 10,
			OnUpdate: map[string]bool{
				string(domain.CategoryAssignment): true,
				string(domain.CategoryGrade):      true,
			},
		},
		Fetch: FetchConfig{TimeoutSeconds: 30},
	}
}

func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Notify.LimitPerRun < 0 {
		return fmt.Errorf("notify.limit_per_run must not be negative")
	}
	for cat := range c.Notify.OnUpdate {
		if !domain.Category(cat).Valid() {
			return fmt.Errorf("notify.on_update: unknown category %q", cat)
		}
	}
	for i, s := range c.Fetch.Sources {
		if s.Name == "" {
			return fmt.Errorf("fetch.sources[%d]: missing name", i)
		}
		switch s.Kind {
		case "file":
			if s.Path == "" {
				return fmt.Errorf("fetch.sources[%d]: file source needs a path", i)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("fetch.sources[%d]: http source needs a url", i)
			}
		default:
			return fmt.Errorf("fetch.sources[%d]: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}

// Load reads the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the file does not exist.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

const defaultTemplate = `# Blackboard watcher configuration.
notify:
  # Bark endpoint: a bare device token, host/token, or full URL.
  bark_endpoint: ""
  # Maximum pushes per run; the rest wait for the next run.
  limit_per_run: 5
  timeout_seconds: 10
  # Which categories push on updates. New records always push.
  on_update:
    assignment: true
    grade_item: true

fetch:
  timeout_seconds: 30
  sources: []
  # sources:
  #   - name: courses
  #     kind: http
  #     url: https://example.com/records.json
  #   - name: snapshot
  #     kind: file
  #     path: ./records.json
`

// WriteDefault writes the commented starter config. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}

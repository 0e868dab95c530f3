package config_test

import (
	"path/filepath"
	"testing"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/config"
)

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
notify:
  bark_endpoint: mytoken
  limit_per_run: 3
  on_update:
    grade_item: true
    announcement: true
fetch:
  sources:
    - name: api
      kind: http
      url: https://example.com/records.json
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Notify.BarkEndpoint != "mytoken" || cfg.Notify.LimitPerRun != 3 {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if !cfg.Notify.OnUpdate["announcement"] {
		t.Errorf("on_update override lost: %+v", cfg.Notify.OnUpdate)
	}
	if len(cfg.Fetch.Sources) != 1 || cfg.Fetch.Sources[0].Kind != "http" {
		t.Errorf("sources = %+v", cfg.Fetch.Sources)
	}
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Notify.LimitPerRun != 5 {
		t.Errorf("limit = %d, want 5", cfg.Notify.LimitPerRun)
	}
	if !cfg.Notify.OnUpdate["grade_item"] || cfg.Notify.OnUpdate["announcement"] {
		t.Errorf("on_update defaults = %+v", cfg.Notify.OnUpdate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"notify:\n  limit_per_run: -1\n",
		"notify:\n  on_update:\n    forum: true\n",
		"fetch:\n  sources:\n    - name: x\n      kind: ftp\n",
		"fetch:\n  sources:\n    - name: x\n      kind: file\n",
		"fetch:\n  sources:\n    - kind: file\n      path: a.json\n",
	}
	for _, c := range cases {
		if _, err := config.FromYAML([]byte(c)); err == nil {
			t.Errorf("config accepted:\n%s", c)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	cfg, err := config.LoadOptional(filepath.Join(t.TempDir(), config.FileName))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults, got %v", err)
	}
	if cfg.Notify.LimitPerRun != 5 {
		t.Errorf("limit = %d, want default", cfg.Notify.LimitPerRun)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("starter config does not parse: %v", err)
	}
	if cfg.Notify.LimitPerRun != 5 {
		t.Errorf("limit = %d", cfg.Notify.LimitPerRun)
	}
	if err := config.WriteDefault(path); err == nil {
		t.Errorf("second write should refuse to overwrite")
	}
}

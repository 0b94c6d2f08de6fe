package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Run("CreatesDefaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "conf", "toji.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Backend != "jsonl" || cfg.CreateAttempts != 5 || cfg.KeyStrategy != "ksid" {
			t.Errorf("cfg = %+v", cfg)
		}
		if want := filepath.Join(dir, "conf", "data"); cfg.DataDir != want {
			t.Errorf("data_dir = %q, want %q", cfg.DataDir, want)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("defaults were not written: %v", err)
		}
		if !strings.Contains(string(data), "backend: jsonl") {
			t.Errorf("file = %s", data)
		}
	})

	t.Run("ReadsFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "toji.yaml")
		content := "backend: bolt\ndata_dir: /var/lib/toji\nschemas:\n  - a.yaml\n  - b.json\ncreate_attempts: 9\nmetrics: true\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		want := Config{
			DataDir:        "/var/lib/toji",
			Backend:        "bolt",
			Schemas:        []string{"a.yaml", "b.json"},
			KeyStrategy:    "ksid",
			CreateAttempts: 9,
			LogLevel:       "info",
			Metrics:        true,
		}
		if !reflect.DeepEqual(*cfg, want) {
			t.Errorf("cfg = %+v", *cfg)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "toji.yaml")
		if err := os.WriteFile(path, []byte("backend: postgres\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "backend must be one of") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "toji.yaml")
		if err := os.WriteFile(path, []byte("backend: [\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"TOJI_BACKEND":         "memory",
		"TOJI_SCHEMAS":         "a.yaml, b.yaml,,",
		"TOJI_KEY_STRATEGY":    "uuid",
		"TOJI_CREATE_ATTEMPTS": "2",
		"TOJI_LOG_LEVEL":       "debug",
		"TOJI_METRICS":         "1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "memory" || cfg.KeyStrategy != "uuid" || cfg.CreateAttempts != 2 || !cfg.Metrics {
		t.Errorf("cfg = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Schemas, []string{"a.yaml", "b.yaml"}) {
		t.Errorf("schemas = %q", cfg.Schemas)
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
	if err := cfg.ApplyEnv(env(map[string]string{"TOJI_CREATE_ATTEMPTS": "many"})); err == nil {
		t.Error("expected error")
	}
	if err := cfg.ApplyEnv(env(map[string]string{"TOJI_METRICS": "maybe"})); err == nil {
		t.Error("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"Backend", func(c *Config) { c.Backend = "" }, "backend must be one of"},
		{"DataDir", func(c *Config) { c.DataDir = "" }, "data_dir is required"},
		{"KeyStrategy", func(c *Config) { c.KeyStrategy = "serial" }, "unknown key strategy"},
		{"Attempts", func(c *Config) { c.CreateAttempts = 0 }, "create_attempts must be positive"},
		{"LogLevel", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
	mem := Default()
	mem.Backend = "memory"
	mem.DataDir = ""
	if err := mem.Validate(); err != nil {
		t.Errorf("memory without data_dir: %v", err)
	}
	if l, err := ParseLevel("WARN"); err != nil || l != slog.LevelWarn {
		t.Errorf("ParseLevel = %v, %v", l, err)
	}
}
